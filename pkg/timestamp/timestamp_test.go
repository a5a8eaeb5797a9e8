package timestamp

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	ref := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	withMs := ref.Add(535 * time.Millisecond)

	tests := []struct {
		name  string
		input any
		want  time.Time
		ok    bool
	}{
		{"nil", nil, time.Time{}, false},
		{"zero int", 0, time.Time{}, false},
		{"empty string", "  ", time.Time{}, false},
		{"garbage", "yesterday", time.Time{}, false},
		{"unsupported type", []byte("1"), time.Time{}, false},
		{"NaN", math.NaN(), time.Time{}, false},
		{"time", ref, ref, true},
		{"pointer", &ref, ref, true},
		{"seconds", ref.Unix(), ref, true},
		{"seconds int", int(ref.Unix()), ref, true},
		{"milliseconds", withMs.UnixMilli(), withMs, true},
		{"microseconds", withMs.UnixMicro(), withMs, true},
		{"nanoseconds", withMs.UnixNano(), withMs, true},
		{"fractional seconds", float64(ref.Unix()) + 0.5, ref.Add(500 * time.Millisecond), true},
		{"float milliseconds", float64(withMs.UnixMilli()), withMs, true},
		{"json number", json.Number("1773500966535"), withMs, true},
		{"numeric string", "1773500966", ref, true},
		{"rfc3339", "2026-03-14T15:09:26Z", ref, true},
		{"rfc3339 nano with offset", "2026-03-14T16:09:26.535+01:00", withMs, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestUnixMsRoundTrip(t *testing.T) {
	assert.Zero(t, ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())

	ts := time.Date(2026, 1, 1, 0, 0, 0, int(250*time.Millisecond), time.UTC)
	assert.Equal(t, ts, FromUnixMs(ToUnixMs(ts)))
}
