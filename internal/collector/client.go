package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camarigor/bitaxe-sentry/internal/difficulty"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

// ErrMalformed marks a response that arrived but could not be turned into a
// reading.
var ErrMalformed = errors.New("malformed telemetry")

// FetchError is a transport failure: the miner could not be reached, timed
// out, or answered with a non-2xx status.
type FetchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: unexpected status code: %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// flexBool accepts true/false as well as the 0/1 some firmware sends.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "false", "0":
		*b = false
	case "true":
		*b = true
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", s)
		}
		*b = n != 0
	}
	return nil
}

// SystemInfo is the subset of AxeOS /api/system/info that a reading needs.
// hashRate, temp and bestDiff are required, everything else defaults to zero.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	ASICModel    string `json:"ASICModel"`
	DeviceModel  string `json:"deviceModel"`
	Version      string `json:"version"`
	AxeOSVersion string `json:"axeOSVersion"`

	HashRate        *float64        `json:"hashRate"`
	Temp            *float64        `json:"temp"`
	Voltage         float64         `json:"voltage"` // millivolts
	BestDiff        json.RawMessage `json:"bestDiff"`
	ErrorPercentage float64         `json:"errorPercentage"`
	StratumDiff     float64         `json:"stratumDiff"`
	SharesAccepted  int64           `json:"sharesAccepted"`
	SharesRejected  int64           `json:"sharesRejected"`

	StratumURL             string   `json:"stratumURL"`
	StratumPort            int      `json:"stratumPort"`
	StratumUser            string   `json:"stratumUser"`
	FallbackStratumURL     string   `json:"fallbackStratumURL"`
	FallbackStratumPort    int      `json:"fallbackStratumPort"`
	FallbackStratumUser    string   `json:"fallbackStratumUser"`
	IsUsingFallbackStratum flexBool `json:"isUsingFallbackStratum"`
}

// MinerClient handles communication with AxeOS miners
type MinerClient struct {
	httpClient *http.Client
}

// NewMinerClient creates a MinerClient whose requests give up after timeout.
func NewMinerClient(timeout time.Duration) *MinerClient {
	return &MinerClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchInfo fetches miner info from the REST API. endpoint is a base URL
// such as http://192.168.1.50.
func (c *MinerClient) FetchInfo(ctx context.Context, endpoint string) (*SystemInfo, error) {
	url := strings.TrimSuffix(endpoint, "/") + "/api/system/info"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Endpoint: endpoint, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	var info SystemInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: decoding response from %s: %v", ErrMalformed, endpoint, err)
	}

	var missing []string
	if info.HashRate == nil {
		missing = append(missing, "hashRate")
	}
	if info.Temp == nil {
		missing = append(missing, "temp")
	}
	if len(info.BestDiff) == 0 {
		missing = append(missing, "bestDiff")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s missing %s", ErrMalformed, endpoint, strings.Join(missing, ", "))
	}

	return &info, nil
}

// StratumURLString composes stratum+tcp://user@host:port from whichever pool the
// miner is currently using. It is empty when that pool has no host.
func (info *SystemInfo) StratumURLString() string {
	host, port, user := info.StratumURL, info.StratumPort, info.StratumUser
	if info.IsUsingFallbackStratum {
		host, port, user = info.FallbackStratumURL, info.FallbackStratumPort, info.FallbackStratumUser
	}
	if host == "" {
		return ""
	}
	return fmt.Sprintf("stratum+tcp://%s@%s:%d", user, host, port)
}

// bestDiff returns the raw bestDiff value in a form difficulty.Normalize
// understands.
func (info *SystemInfo) bestDiff() any {
	raw := bytes.TrimSpace(info.BestDiff)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return json.Number(raw)
}

// ToReading converts API response to a storage.Reading for minerID.
func ToReading(minerID int64, info *SystemInfo, at time.Time) *storage.Reading {
	r := &storage.Reading{
		MinerID:         minerID,
		Timestamp:       at,
		Voltage:         info.Voltage / 1000,
		BestDiff:        difficulty.Normalize(info.bestDiff()),
		ErrorPercentage: info.ErrorPercentage,
		StratumDiff:     info.StratumDiff,
		SharesAccepted:  info.SharesAccepted,
		SharesRejected:  info.SharesRejected,
		StratumURL:      info.StratumURLString(),
	}
	if info.HashRate != nil {
		r.HashRate = *info.HashRate
	}
	if info.Temp != nil {
		r.Temperature = *info.Temp
	}
	return r
}
