// Package difficulty converts the difficulty values reported by AxeOS firmware
// into a single canonical form.
//
// Newer firmware reports bestDiff as a plain number, older firmware as a
// unit-suffixed string ("4.93G"). Both are stored as a base-10 integer string
// so that two readings can be compared with string equality.
package difficulty

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
)

var log = logging.Logger("difficulty")

var (
	plainRe  = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)
	suffixRe = regexp.MustCompile(`(?i)^([+-]?(?:\d+(?:\.\d*)?|\.\d+))\s*([KMGTPE])$`)
)

// unitExponent maps a suffix to its power of ten.
var unitExponent = map[byte]int32{
	'K': 3,
	'M': 6,
	'G': 9,
	'T': 12,
	'P': 15,
	'E': 18,
}

// Normalize returns the canonical integer string for raw.
// nil and empty input yield "0". Input that is neither a number nor a
// suffixed number is returned unchanged after logging a warning.
func Normalize(raw any) string {
	var s string
	switch v := raw.(type) {
	case nil:
		return "0"
	case string:
		s = v
	case json.Number:
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d.Truncate(0).String()
		}
		s = v.String()
	case float64:
		return decimal.NewFromFloat(v).Truncate(0).String()
	case float32:
		return decimal.NewFromFloat32(v).Truncate(0).String()
	case int:
		return decimal.NewFromInt(int64(v)).String()
	case int64:
		return decimal.NewFromInt(v).String()
	case uint64:
		return fmt.Sprintf("%d", v)
	default:
		s = fmt.Sprint(v)
	}

	text := strings.TrimSpace(s)
	if text == "" {
		return "0"
	}

	if plainRe.MatchString(text) {
		d, err := decimal.NewFromString(text)
		if err == nil {
			return d.Truncate(0).String()
		}
	}

	if m := suffixRe.FindStringSubmatch(text); m != nil {
		d, err := decimal.NewFromString(m[1])
		if err == nil {
			exp := unitExponent[strings.ToUpper(m[2])[0]]
			return d.Shift(exp).Truncate(0).String()
		}
	}

	log.Warnf("unparseable difficulty %q, storing as-is", s)
	return s
}

var formatUnits = []struct {
	suffix string
	exp    int32
}{
	{"E", 18},
	{"P", 15},
	{"T", 12},
	{"G", 9},
	{"M", 6},
	{"K", 3},
}

// Format renders a canonical value with two decimals and a unit suffix,
// e.g. "4930000000" becomes "4.93G". Non-numeric input is returned as-is.
func Format(canonical string) string {
	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return canonical
	}
	abs := d.Abs()
	for _, u := range formatUnits {
		if abs.GreaterThanOrEqual(decimal.New(1, u.exp)) {
			return d.Shift(-u.exp).StringFixed(2) + u.suffix
		}
	}
	return d.StringFixed(2)
}
