package column

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/errors"
)

func TestParsePrimitiveType(t *testing.T) {
	tests := []struct {
		name    string
		want    PrimitiveType
		wantErr bool
	}{
		{"bool", Bool, false},
		{"INT16", Int16, false},
		{"uint64", Uint64, false},
		{"float", Float32, false},
		{"double", Float64, false},
		{"str", String, false},
		{"bin", Binary, false},
		{"decimal", Unknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrimitiveType(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrimitiveType_RoundTripNames(t *testing.T) {
	for _, typ := range AllTypes() {
		parsed, err := ParsePrimitiveType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)

		got, ok := TypeOf(typ.Zero())
		assert.True(t, ok)
		assert.Equal(t, typ, got)
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		typ     PrimitiveType
		in      any
		want    any
		wantErr bool
	}{
		{"json number to int8", Int8, json.Number("-12"), int8(-12), false},
		{"int8 overflow", Int8, json.Number("200"), nil, true},
		{"float64 whole to int32", Int32, float64(7), int32(7), false},
		{"fraction to int", Int32, 7.5, nil, true},
		{"max uint64", Uint64, json.Number("18446744073709551615"), uint64(math.MaxUint64), false},
		{"negative to uint", Uint16, json.Number("-1"), nil, true},
		{"number to float32", Float32, json.Number("1.5"), float32(1.5), false},
		{"int to double", Float64, 101, float64(101), false},
		{"bool from 1", Bool, json.Number("1"), true, false},
		{"bool from 2", Bool, json.Number("2"), nil, true},
		{"base64 binary", Binary, "AQID", []byte{1, 2, 3}, false},
		{"byte list binary", Binary, []any{json.Number("4"), json.Number("5")}, []byte{4, 5}, false},
		{"string passthrough", String, "ok", "ok", false},
		{"number is not a string", String, 3, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.Coerce(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrTypeMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSample(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	orig, err := NewSample("lineA", "counter", Uint64, ts, uint64(math.MaxUint64))
	require.NoError(t, err)

	data, err := orig.Encode()
	require.NoError(t, err)

	got, err := DecodeSample(data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestDecodeSample_Binary(t *testing.T) {
	got, err := DecodeSample([]byte(`{"source":"s","field":"bin","type":"bin","value":"aGk="}`))
	require.NoError(t, err)

	assert.Equal(t, []byte("hi"), got.Value)
	assert.False(t, got.Timestamp.IsZero(), "missing timestamp is stamped on arrival")
}

func TestDecodeSample_EpochTimestamps(t *testing.T) {
	want := time.Date(2026, 3, 14, 15, 9, 26, int(535*time.Millisecond), time.UTC)
	for _, ts := range []string{`1773500966535`, `"2026-03-14T15:09:26.535Z"`, `1773500966.535`} {
		got, err := DecodeSample([]byte(`{"source":"s","field":"f","type":"int32","value":1,"timestamp":` + ts + `}`))
		require.NoError(t, err, ts)
		assert.WithinDuration(t, want, got.Timestamp, time.Millisecond, ts)
	}
}

func TestDecodeSample_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown type", `{"source":"s","field":"f","type":"decimal","value":1}`},
		{"missing source", `{"field":"f","type":"int32","value":1}`},
		{"separator in source", `{"source":"a:b","field":"f","type":"int32","value":1}`},
		{"value does not fit", `{"source":"s","field":"f","type":"uint8","value":300}`},
		{"bad timestamp", `{"source":"s","field":"f","type":"int32","value":1,"timestamp":"noon"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSample([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func collect(src Source) []Column {
	var out []Column
	for c := range src.NextColumnSnapshot() {
		out = append(out, c)
	}
	return out
}

func TestTable_LatestValueWins(t *testing.T) {
	table := NewTable()
	t0 := time.Now()

	require.NoError(t, table.Update(Sample{"lineA", "temp", Float64, t0, 21.5}))
	require.NoError(t, table.Update(Sample{"lineA", "pressure", Int32, t0, int32(101)}))
	require.NoError(t, table.Update(Sample{"lineA", "temp", Float64, t0.Add(time.Second), 22.0}))

	cols := collect(table)
	require.Len(t, cols, 2)
	assert.Equal(t, "temp", cols[0].Field(), "first-seen order is kept")
	ts, v := cols[0].Latest()
	assert.Equal(t, 22.0, v)
	assert.Equal(t, t0.Add(time.Second), ts)
}

func TestTable_RejectsTypeChange(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Update(Sample{"lineA", "temp", Float64, time.Now(), 21.5}))

	err := table.Update(Sample{"lineA", "temp", Int32, time.Now(), int32(21)})
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)

	s, ok := table.Get("lineA", "temp")
	require.True(t, ok)
	assert.Equal(t, 21.5, s.Value)
}

func TestTable_SnapshotIsStable(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Update(Sample{"a", "x", Int64, time.Now(), int64(1)}))

	snap := table.NextColumnSnapshot()
	require.NoError(t, table.Update(Sample{"b", "y", Int64, time.Now(), int64(2)}))

	n := 0
	for range snap {
		n++
	}
	assert.Equal(t, 1, n, "columns added after the snapshot are not visible in it")
	assert.Equal(t, 2, table.Len())
}

func TestTable_ConcurrentWriters(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = table.Update(Sample{"src", "f", Int32, time.Now(), int32(i*100 + j)})
				_ = collect(table)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, table.Len())
}

func TestTable_Runnable(t *testing.T) {
	table := NewTable()
	assert.True(t, table.IsRunnable())

	table.SetRunnable(false)
	assert.False(t, table.IsRunnable())
}
