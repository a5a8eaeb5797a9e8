// Package generator provides a test input that publishes one column of every
// primitive type at a fixed interval.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/natsclient"
	"github.com/c360/semstreams-opcua/pkg/timestamp"
)

// Publisher sends encoded samples. natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config holds configuration for the column generator
type Config struct {
	IntervalMs    int    `json:"interval_ms"`
	Diff          int64  `json:"diff"`
	Source        string `json:"source"`
	SubjectPrefix string `json:"subject_prefix"`
	KVBucket      string `json:"kv_bucket,omitempty"`
}

// DefaultConfig returns the generator defaults: one pass per second,
// counting up by one.
func DefaultConfig() Config {
	return Config{
		IntervalMs:    1000,
		Diff:          1,
		Source:        "generator",
		SubjectPrefix: "columns",
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.IntervalMs <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "interval_ms must be positive")
	}
	if !validToken(c.Source) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("source %q must be a single subject token", c.Source))
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, "*> \t") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"subject_prefix must be a literal subject")
	}
	return nil
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t")
}

// Subject returns the subject a field of this source is published on.
func (c Config) Subject(field string) string {
	return c.SubjectPrefix + "." + c.Source + "." + field
}

// Samples builds the samples of one pass for counter value count. Integer
// columns wrap around like a Go conversion; unsigned columns are left out
// while count is negative.
func Samples(source string, count int64, ts time.Time) []column.Sample {
	floatVal := float64(count) + 0.123
	text := strconv.FormatInt(count, 10)

	values := []struct {
		field string
		kind  column.PrimitiveType
		value any
	}{
		{"bool", column.Bool, count%2 != 0},
		{"int8", column.Int8, int8(count)},
		{"int16", column.Int16, int16(count)},
		{"int32", column.Int32, int32(count)},
		{"int64", column.Int64, count},
		{"uint8", column.Uint8, uint8(count)},
		{"uint16", column.Uint16, uint16(count)},
		{"uint32", column.Uint32, uint32(count)},
		{"uint64", column.Uint64, uint64(count)},
		{"float", column.Float32, float32(floatVal)},
		{"double", column.Float64, floatVal},
		{"str", column.String, text},
		{"bin", column.Binary, []byte(text)},
	}

	out := make([]column.Sample, 0, len(values))
	for _, v := range values {
		if count < 0 && strings.HasPrefix(v.field, "uint") {
			continue
		}
		s, err := column.NewSample(source, v.field, v.kind, ts, v.value)
		if err != nil {
			// Every value above already has its column's Go type.
			panic(err)
		}
		out = append(out, s)
	}
	return out
}

// Generator publishes synthetic column samples.
type Generator struct {
	name       string
	instanceID string
	config     Config
	publisher  Publisher
	natsClient *natsclient.Client
	registry   *metric.MetricsRegistry
	logger     *slog.Logger

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	kv          jetstream.KeyValue
	samples     *prometheus.CounterVec
	count       int64

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	lastError string

	published    atomic.Int64
	bytes        atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Int64
}

// New creates a generator publishing through publisher.
func New(cfg Config, publisher Publisher, logger *slog.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Generator{
		name:       "column-generator",
		instanceID: id,
		config:     cfg,
		publisher:  publisher,
		logger:     logger.With("source", cfg.Source, "instance_id", id),
	}, nil
}

// NewInput creates a generator from its raw JSON configuration.
func NewInput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "ColumnGenerator", "NewInput", "config parsing")
		}
	}

	var publisher Publisher
	if deps.NATSClient != nil {
		publisher = deps.NATSClient
	}
	g, err := New(cfg, publisher, deps.GetLoggerWithComponent("column-generator"))
	if err != nil {
		return nil, err
	}
	g.natsClient = deps.NATSClient
	g.registry = deps.MetricsRegistry
	return g, nil
}

// Initialize prepares the generator
func (g *Generator) Initialize() error {
	return nil
}

// Start publishes one pass immediately and then one per interval.
func (g *Generator) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.isRunning() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "ColumnGenerator", "Start", "check running state")
	}
	if g.publisher == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "ColumnGenerator", "Start", "publisher required")
	}
	if g.config.KVBucket != "" {
		if g.natsClient == nil {
			return errors.WrapFatal(errors.ErrMissingConfig, "ColumnGenerator", "Start", "NATS client required for kv_bucket")
		}
		kv, err := g.natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      g.config.KVBucket,
			Description: "latest column samples",
			History:     1,
		})
		if err != nil {
			return errors.Wrap(err, "ColumnGenerator", "Start", "open bucket")
		}
		g.kv = kv
	}
	if err := g.registerMetrics(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.wg.Add(1)
	go g.loop(runCtx)

	g.mu.Lock()
	g.running = true
	g.startTime = time.Now()
	g.mu.Unlock()
	g.logger.Info("Column generator started",
		"interval_ms", g.config.IntervalMs,
		"diff", g.config.Diff,
		"subject", g.config.Subject(">"))
	return nil
}

// Stop ends the publishing loop.
func (g *Generator) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.isRunning() {
		return nil
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "ColumnGenerator", "Stop", "wait for loop")
	}

	g.unregisterMetrics()
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	g.logger.Info("Column generator stopped", "published", g.published.Load())
	return err
}

func (g *Generator) isRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

func (g *Generator) loop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(time.Duration(g.config.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		g.Tick(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick publishes one pass stamped ts and advances the counter. It must not
// be called concurrently with a running loop.
func (g *Generator) Tick(ctx context.Context, ts time.Time) {
	for _, s := range Samples(g.config.Source, g.count, ts) {
		if ctx.Err() != nil {
			return
		}
		g.publish(ctx, s)
	}
	g.count += g.config.Diff
}

func (g *Generator) publish(ctx context.Context, s column.Sample) {
	data, err := s.Encode()
	if err == nil {
		err = g.publisher.Publish(ctx, g.config.Subject(s.FieldName), data)
	}
	if err == nil && g.kv != nil {
		_, err = g.kv.Put(ctx, g.config.Source+"."+s.FieldName, data)
	}
	if err != nil {
		g.errorCount.Add(1)
		g.mu.Lock()
		g.lastError = err.Error()
		g.mu.Unlock()
		g.logger.Warn("Failed to publish sample", "field", s.FieldName, "error", err)
		if g.samples != nil {
			g.samples.WithLabelValues("failed").Inc()
		}
		return
	}

	g.published.Add(1)
	g.bytes.Add(int64(len(data)))
	g.lastActivity.Store(timestamp.ToUnixMs(time.Now()))
	if g.samples != nil {
		g.samples.WithLabelValues("published").Inc()
	}
}

func (g *Generator) metricsService() string {
	return "column_generator." + g.instanceID
}

func (g *Generator) registerMetrics() error {
	if g.registry == nil {
		return nil
	}
	samples := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "semstreams",
		Subsystem:   "generator",
		Name:        "samples_total",
		Help:        "Generated column samples by outcome",
		ConstLabels: prometheus.Labels{"source": g.config.Source, "instance_id": g.instanceID},
	}, []string{"result"})
	if err := g.registry.RegisterCounterVec(g.metricsService(), "samples_total", samples); err != nil {
		return err
	}
	g.samples = samples
	return nil
}

func (g *Generator) unregisterMetrics() {
	if g.registry != nil && g.samples != nil {
		g.registry.Unregister(g.metricsService(), "samples_total")
	}
}

// Meta returns component metadata
func (g *Generator) Meta() component.Metadata {
	return component.Metadata{
		Name:        g.name,
		Type:        "input",
		Description: "Publishes a counter as one column of every primitive type",
		Version:     "0.1.0",
	}
}

// InputPorts returns no ports; the generator has no inputs.
func (g *Generator) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns the sample subject and the optional KV bucket.
func (g *Generator) OutputPorts() []component.Port {
	ports := []component.Port{{
		Name:        "columns",
		Direction:   component.DirectionOutput,
		Required:    true,
		Description: "Column samples",
		Config:      component.NATSPort{Subject: g.config.Subject(">")},
	}}
	if g.config.KVBucket != "" {
		ports = append(ports, component.Port{
			Name:        "latest_values",
			Direction:   component.DirectionOutput,
			Description: "Last sample of every column",
			Config:      component.KVWatchPort{Bucket: g.config.KVBucket},
		})
	}
	return ports
}

// ConfigSchema returns the configuration schema
func (g *Generator) ConfigSchema() component.ConfigSchema {
	return generatorSchema
}

// Health returns the current health status
func (g *Generator) Health() component.HealthStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h := component.HealthStatus{
		Healthy:    g.running,
		LastCheck:  time.Now(),
		ErrorCount: int(g.errorCount.Load()),
		LastError:  g.lastError,
	}
	if g.running {
		h.Uptime = time.Since(g.startTime)
	}
	return h
}

// DataFlow returns current data flow metrics
func (g *Generator) DataFlow() component.FlowMetrics {
	g.mu.RLock()
	started := g.startTime
	g.mu.RUnlock()

	published := g.published.Load()
	failed := g.errorCount.Load()
	flow := component.FlowMetrics{}
	if total := published + failed; total > 0 {
		flow.ErrorRate = float64(failed) / float64(total)
	}
	if !started.IsZero() {
		if secs := time.Since(started).Seconds(); secs > 0 {
			flow.MessagesPerSecond = float64(published) / secs
			flow.BytesPerSecond = float64(g.bytes.Load()) / secs
		}
	}
	flow.LastActivity = timestamp.FromUnixMs(g.lastActivity.Load())
	return flow
}

var generatorSchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"interval_ms": {
			Type:        "int",
			Description: "Milliseconds between passes",
			Default:     1000,
			Category:    "basic",
		},
		"diff": {
			Type:        "int",
			Description: "Counter increment per pass",
			Default:     1,
			Category:    "basic",
		},
		"source": {
			Type:        "string",
			Description: "Source name of the generated columns",
			Default:     "generator",
			Category:    "basic",
		},
		"subject_prefix": {
			Type:        "string",
			Description: "Subject prefix, samples go to <prefix>.<source>.<field>",
			Default:     "columns",
			Category:    "advanced",
		},
		"kv_bucket": {
			Type:        "string",
			Description: "Also store the last sample of every column in this KV bucket",
			Category:    "advanced",
		},
	},
}

// Register registers the column generator with the given registry
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "column-generator",
		Factory:     NewInput,
		Schema:      generatorSchema,
		Type:        "input",
		Protocol:    "nats",
		Domain:      "testing",
		Description: "Synthetic column source for exercising the OPC UA output",
		Version:     "0.1.0",
	})
}
