// Package column models the live data columns fed into the OPC UA address space.
//
// A column is one named field of one data source, for example field "temp" of
// source "lineA", together with its primitive type and latest value. Producers
// push Samples, consumers read them through the Source interface one snapshot
// at a time.
package column

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/pkg/timestamp"
)

// Column is one (source, field) stream with a fixed primitive type.
// Latest must return the same pair when called repeatedly within a tick.
type Column interface {
	Source() string
	Field() string
	Type() PrimitiveType
	Latest() (time.Time, any)
}

// Source supplies column snapshots to the synchronization loop.
type Source interface {
	// IsRunnable reports whether the host still wants the loop to run.
	IsRunnable() bool
	// NextColumnSnapshot returns a finite, non-restartable sequence of the
	// currently active columns.
	NextColumnSnapshot() iter.Seq[Column]
}

// Sample is a single timestamped value of a column. It is also the wire
// format carried over NATS.
type Sample struct {
	SourceName string        `json:"source"`
	FieldName  string        `json:"field"`
	Kind       PrimitiveType `json:"type"`
	Timestamp  time.Time     `json:"timestamp"`
	Value      any           `json:"value"`
}

func (s Sample) Source() string      { return s.SourceName }
func (s Sample) Field() string       { return s.FieldName }
func (s Sample) Type() PrimitiveType { return s.Kind }

func (s Sample) Latest() (time.Time, any) { return s.Timestamp, s.Value }

// Validate checks identity and value type.
func (s Sample) Validate() error {
	if s.SourceName == "" || s.FieldName == "" {
		return fmt.Errorf("%w: sample needs source and field", errors.ErrInvalidData)
	}
	if strings.Contains(s.SourceName, ":") {
		return fmt.Errorf("%w: source %q must not contain ':'", errors.ErrInvalidData, s.SourceName)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: sample %s:%s has no valid type", errors.ErrInvalidData, s.SourceName, s.FieldName)
	}
	if got, ok := TypeOf(s.Value); !ok || got != s.Kind {
		return fmt.Errorf("%w: sample %s:%s declared %s but holds %T", errors.ErrTypeMismatch, s.SourceName, s.FieldName, s.Kind, s.Value)
	}
	return nil
}

// NewSample builds a sample, coercing value to kind.
func NewSample(source, field string, kind PrimitiveType, ts time.Time, value any) (Sample, error) {
	v, err := kind.Coerce(value)
	if err != nil {
		return Sample{}, err
	}
	s := Sample{SourceName: source, FieldName: field, Kind: kind, Timestamp: ts, Value: v}
	return s, s.Validate()
}

// DecodeSample parses the JSON wire form. Numbers are decoded without going
// through float64 so that 64-bit integers survive. The timestamp may be an
// RFC3339 string or a Unix epoch number; a missing timestamp means now.
func DecodeSample(data []byte) (Sample, error) {
	var raw struct {
		Source    string        `json:"source"`
		Field     string        `json:"field"`
		Kind      PrimitiveType `json:"type"`
		Timestamp any           `json:"timestamp"`
		Value     any           `json:"value"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Sample{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "column", "DecodeSample", "json decode")
	}
	ts, ok := timestamp.Parse(raw.Timestamp)
	if !ok {
		if raw.Timestamp != nil && raw.Timestamp != "" && raw.Timestamp != json.Number("0") {
			return Sample{}, errors.WrapInvalid(fmt.Errorf("%w: timestamp %v", errors.ErrInvalidData, raw.Timestamp),
				"column", "DecodeSample", "timestamp")
		}
		ts = time.Now()
	}
	s, err := NewSample(raw.Source, raw.Field, raw.Kind, ts, raw.Value)
	if err != nil {
		return Sample{}, errors.WrapInvalid(err, "column", "DecodeSample", "sample validation")
	}
	return s, nil
}

// Encode returns the JSON wire form of s.
func (s Sample) Encode() ([]byte, error) {
	return json.Marshal(s)
}

type key struct {
	source, field string
}

// Table keeps the latest sample per (source, field) and implements Source.
// Writers and the snapshot reader may run on different goroutines.
type Table struct {
	mu      sync.RWMutex
	order   []key
	entries map[key]Sample

	runnable atomic.Bool
}

// NewTable returns an empty, runnable table.
func NewTable() *Table {
	t := &Table{entries: make(map[key]Sample)}
	t.runnable.Store(true)
	return t
}

// Update stores s as the latest value of its column. The first sample of a
// column fixes its type; later samples of another type are rejected.
func (t *Table) Update(s Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	k := key{s.SourceName, s.FieldName}

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.entries[k]
	if seen && prev.Kind != s.Kind {
		return fmt.Errorf("%w: column %s:%s is %s, got %s", errors.ErrTypeMismatch, s.SourceName, s.FieldName, prev.Kind, s.Kind)
	}
	if !seen {
		t.order = append(t.order, k)
	}
	t.entries[k] = s
	return nil
}

// Len returns the number of known columns.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Get returns the latest sample of a column.
func (t *Table) Get(source, field string) (Sample, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[key{source, field}]
	return s, ok
}

// SetRunnable flips the runnable signal.
func (t *Table) SetRunnable(v bool) {
	t.runnable.Store(v)
}

func (t *Table) IsRunnable() bool {
	return t.runnable.Load()
}

// NextColumnSnapshot copies the table under the read lock and yields the
// columns in first-seen order.
func (t *Table) NextColumnSnapshot() iter.Seq[Column] {
	t.mu.RLock()
	snap := make([]Sample, 0, len(t.order))
	for _, k := range t.order {
		snap = append(snap, t.entries[k])
	}
	t.mu.RUnlock()

	return func(yield func(Column) bool) {
		for _, s := range snap {
			if !yield(s) {
				return
			}
		}
	}
}
