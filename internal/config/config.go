package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// ErrInvalidDocument is returned by Decode when the input is not a JSON object.
var ErrInvalidDocument = errors.New("settings document is not a JSON object")

// Settings keys as they appear in the settings file.
const (
	KeyPollInterval = "POLL_INTERVAL_MINUTES"
	KeyRetention    = "RETENTION_DAYS"
	KeyTempMin      = "TEMP_MIN"
	KeyTempMax      = "TEMP_MAX"
	KeyVoltMin      = "VOLT_MIN"
	KeyEndpoints    = "BITAXE_ENDPOINTS"
	KeyWebhookURL   = "DISCORD_WEBHOOK_URL"
)

// Settings is the operator-editable configuration snapshot.
type Settings struct {
	PollIntervalMinutes int      `json:"POLL_INTERVAL_MINUTES"`
	RetentionDays       int      `json:"RETENTION_DAYS"`
	TempMin             float64  `json:"TEMP_MIN"`
	TempMax             float64  `json:"TEMP_MAX"`
	VoltMin             float64  `json:"VOLT_MIN"`
	Endpoints           []string `json:"BITAXE_ENDPOINTS"`
	WebhookURL          string   `json:"DISCORD_WEBHOOK_URL"`
}

// DefaultSettings returns Settings with the stock thresholds and no endpoints.
func DefaultSettings() Settings {
	return Settings{
		PollIntervalMinutes: 15,
		RetentionDays:       30,
		TempMin:             20,
		TempMax:             70,
		VoltMin:             5.0,
		Endpoints:           []string{},
		WebhookURL:          "",
	}
}

func (s Settings) clone() Settings {
	c := s
	c.Endpoints = append([]string{}, s.Endpoints...)
	return c
}

// EndpointURLs returns the configured endpoints trimmed, with empty entries
// dropped and http:// prepended where no scheme is given.
func (s Settings) EndpointURLs() []string {
	urls := make([]string, 0, len(s.Endpoints))
	for _, ep := range s.Endpoints {
		if u := NormalizeEndpoint(ep); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// NormalizeEndpoint trims ep and prefixes http:// when it has no scheme.
func NormalizeEndpoint(ep string) string {
	ep = strings.TrimSpace(ep)
	if ep == "" {
		return ""
	}
	if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
		ep = "http://" + ep
	}
	return strings.TrimRight(ep, "/")
}

// SameEndpoints reports whether a and b poll the same endpoints in the same order.
func SameEndpoints(a, b Settings) bool {
	x, y := a.EndpointURLs(), b.EndpointURLs()
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Validate reports every problem with s at once.
func (s Settings) Validate() error {
	var result *multierror.Error
	if s.PollIntervalMinutes < 1 {
		result = multierror.Append(result, fmt.Errorf("%s must be at least 1", KeyPollInterval))
	}
	if s.RetentionDays < 1 {
		result = multierror.Append(result, fmt.Errorf("%s must be at least 1", KeyRetention))
	}
	if s.TempMin >= s.TempMax {
		result = multierror.Append(result, fmt.Errorf("%s (%.1f) must be below %s (%.1f)", KeyTempMin, s.TempMin, KeyTempMax, s.TempMax))
	}
	if s.VoltMin < 0 {
		result = multierror.Append(result, fmt.Errorf("%s must not be negative", KeyVoltMin))
	}
	if s.WebhookURL != "" {
		u, err := url.Parse(s.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("%s is not a valid http(s) URL", KeyWebhookURL))
		}
	}
	return result.ErrorOrNil()
}

// Decode parses a settings document. Missing keys keep their defaults. Numbers
// may be given as strings, and endpoints as a list or a comma-separated
// string. A value that cannot be converted keeps its default and is reported
// in the returned error; the Settings are usable either way unless the
// document itself is not valid JSON.
func Decode(data []byte) (Settings, error) {
	s := DefaultSettings()

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var result *multierror.Error
	if v, ok := raw[KeyPollInterval]; ok {
		n, err := asInt(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", KeyPollInterval, err))
		} else {
			s.PollIntervalMinutes = n
		}
	}
	if v, ok := raw[KeyRetention]; ok {
		n, err := asInt(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", KeyRetention, err))
		} else {
			s.RetentionDays = n
		}
	}
	for key, dst := range map[string]*float64{
		KeyTempMin: &s.TempMin,
		KeyTempMax: &s.TempMax,
		KeyVoltMin: &s.VoltMin,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		f, err := asFloat(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*dst = f
	}
	if v, ok := raw[KeyEndpoints]; ok {
		eps, err := asEndpoints(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", KeyEndpoints, err))
		} else {
			s.Endpoints = eps
		}
	}
	if v, ok := raw[KeyWebhookURL]; ok {
		var u *string
		if err := json.Unmarshal(v, &u); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", KeyWebhookURL, err))
		} else if u != nil {
			s.WebhookURL = strings.TrimSpace(*u)
		}
	}
	return s, result.ErrorOrNil()
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

func asFloat(v json.RawMessage) (float64, error) {
	if isNull(v) {
		return 0, fmt.Errorf("missing value")
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(v))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", str)
	}
	return f, nil
}

func asInt(v json.RawMessage) (int, error) {
	if isNull(v) {
		return 0, fmt.Errorf("missing value")
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return int(f), nil
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return 0, fmt.Errorf("not an integer: %s", string(v))
	}
	n, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", str)
	}
	return n, nil
}

func asEndpoints(v json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return SplitEndpoints(strings.Join(list, ",")), nil
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return nil, fmt.Errorf("expected a list or a comma-separated string")
	}
	return SplitEndpoints(str), nil
}

// SplitEndpoints splits a comma-separated endpoint list, dropping blanks.
func SplitEndpoints(s string) []string {
	out := []string{}
	for _, ep := range strings.Split(s, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}
