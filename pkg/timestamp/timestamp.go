// Package timestamp converts the timestamp forms seen on the wire into
// time.Time.
//
// Producers are not consistent about how they stamp samples. Parse accepts
// RFC3339 strings as well as Unix epoch numbers and picks the unit by
// magnitude:
//
//	below 1e12          seconds
//	below 1e15          milliseconds
//	below 1e18          microseconds
//	otherwise           nanoseconds
//
// Zero and empty inputs mean "not set" and report ok == false.
package timestamp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// ToUnixMs converts t to milliseconds since the epoch. The zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts milliseconds since the epoch to UTC time. 0 maps to the
// zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Parse interprets input as a point in time.
func Parse(input any) (time.Time, bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	case int:
		return fromEpoch(int64(v))
	case int32:
		return fromEpoch(int64(v))
	case int64:
		return fromEpoch(v)
	case float64:
		return fromEpochFloat(v)
	case json.Number:
		return parseNumber(string(v))
	case string:
		return parseString(v)
	default:
		return time.Time{}, false
	}
}

func parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	return parseNumber(s)
}

func parseNumber(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpochFloat(f)
	}
	return time.Time{}, false
}

func fromEpoch(n int64) (time.Time, bool) {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case n == 0:
		return time.Time{}, false
	case abs < 1e12:
		return time.Unix(n, 0).UTC(), true
	case abs < 1e15:
		return FromUnixMs(n), true
	case abs < 1e18:
		return time.UnixMicro(n).UTC(), true
	default:
		return time.Unix(0, n).UTC(), true
	}
}

func fromEpochFloat(f float64) (time.Time, bool) {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) >= 1e12 {
		return fromEpoch(int64(f))
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}
