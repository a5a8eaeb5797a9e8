// Package opcua provides the OPC UA output component. It collects column
// samples from NATS into a latest-value table and publishes that table as an
// OPC UA address space.
package opcua

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/config"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/natsclient"
	uabridge "github.com/c360/semstreams-opcua/opcua"
	"github.com/c360/semstreams-opcua/opcua/stack/gopcuastack"
	"github.com/c360/semstreams-opcua/opcua/syncloop"
	"github.com/c360/semstreams-opcua/pkg/timestamp"
	"github.com/c360/semstreams-opcua/pkg/worker"
)

// DefaultSubject matches every column sample published by the generator.
const DefaultSubject = "columns.>"

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

// Output bridges NATS column samples to an OPC UA server.
type Output struct {
	name      string
	instance  string
	params    uabridge.Parameters
	subjects  []string
	kvBucket  string
	workers   int
	queueSize int

	table      *column.Table
	bridge     *uabridge.Bridge
	natsClient *natsclient.Client
	metrics    *metric.MetricsRegistry
	logger     *slog.Logger

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	pool        *worker.Pool[[]byte]
	group       *errgroup.Group

	// bounds warnings about bad or dropped samples
	logLimiter *rate.Limiter

	received     atomic.Int64
	bytes        atomic.Int64
	decodeErrors atomic.Int64
	lastActivity atomic.Int64

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	runErr    error
	lastError string
}

// NewOutput creates an OPC UA output from its raw JSON configuration.
// Invalid parameters are reported as errors.ParameterError.
func NewOutput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var raw any
	if len(rawConfig) > 0 {
		dec := json.NewDecoder(bytes.NewReader(rawConfig))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.WrapInvalid(err, "OPCUAOutput", "NewOutput", "config parsing")
		}
	}

	params, err := uabridge.ParseParameters(raw)
	if err != nil {
		return nil, err
	}
	m, _ := raw.(map[string]any)

	subjects := config.GetStringSlice(m, "subjects", nil)
	if s := config.GetString(m, "subjects", ""); s != "" {
		subjects = []string{s}
	}
	if len(subjects) == 0 {
		subjects = []string{DefaultSubject}
	}

	o := &Output{
		name:       "opcua-output",
		instance:   config.GetString(m, "instance", params.ServerName),
		params:     params,
		subjects:   subjects,
		kvBucket:   config.GetString(m, "kv_bucket", ""),
		workers:    config.GetInt(m, "workers", defaultWorkers),
		queueSize:  config.GetInt(m, "queue_size", defaultQueueSize),
		table:      column.NewTable(),
		natsClient: deps.NATSClient,
		metrics:    deps.MetricsRegistry,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	if o.workers <= 0 || o.queueSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "OPCUAOutput", "NewOutput",
			"workers and queue_size must be positive")
	}
	o.logger = deps.GetLoggerWithComponent(o.name).With("instance", o.instance)
	if deps.Platform.Platform != "" {
		o.logger = o.logger.With("org", deps.Platform.Org, "platform", deps.Platform.Platform)
	}

	o.bridge, err = uabridge.NewBridge(params, o.table, uabridge.BridgeOptions{
		Instance: o.instance,
		Logger:   o.logger,
		Metrics:  deps.MetricsRegistry,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Initialize loads the security material and builds the OPC UA stack.
func (o *Output) Initialize() error {
	return o.bridge.Initialize()
}

// Start subscribes to the column subjects, seeds the table from the KV
// bucket when configured, opens the OPC UA endpoint and starts the
// synchronization loop.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.isRunning() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "OPCUAOutput", "Start", "check running state")
	}
	if o.natsClient == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "OPCUAOutput", "Start", "NATS client required")
	}

	// A failing synchronization loop cancels runCtx and with it ingest.
	cancelCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(cancelCtx)
	pool, err := worker.NewPool(o.workers, o.queueSize, o.ingest,
		worker.WithMetricsRegistry[[]byte](o.metrics, "opcua."+o.instance))
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "OPCUAOutput", "Start", "create ingest pool")
	}
	if err := pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "OPCUAOutput", "Start", "start ingest pool")
	}
	o.pool = pool
	o.group = group

	fail := func(err error) error {
		cancel()
		_ = pool.Stop(time.Second)
		_ = group.Wait()
		return err
	}

	for _, subject := range o.subjects {
		if err := o.natsClient.Subscribe(runCtx, subject, o.handleMessage); err != nil {
			return fail(errors.WrapTransient(err, "OPCUAOutput", "Start", fmt.Sprintf("subscribe to %s", subject)))
		}
		o.logger.Debug("Subscribed to column subject", "subject", subject)
	}

	if o.kvBucket != "" {
		if err := o.seedFromKV(runCtx); err != nil {
			return fail(err)
		}
	}

	if err := o.bridge.Start(runCtx); err != nil {
		return fail(err)
	}

	group.Go(func() error { return o.run(runCtx) })

	o.cancel = cancel
	o.mu.Lock()
	o.running = true
	o.startTime = time.Now()
	o.mu.Unlock()
	o.logger.Info("OPC UA output started",
		"endpoint", o.params.Endpoint,
		"subjects", o.subjects,
		"kv_bucket", o.kvBucket)
	return nil
}

// Stop flips the table to non-runnable so the synchronization loop ends
// after its current tick, then drains ingest and closes the server.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.isRunning() {
		return o.bridge.Close()
	}

	o.table.SetRunnable(false)
	o.cancel()

	done := make(chan struct{})
	go func() {
		_ = o.group.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "OPCUAOutput", "Stop", "wait for loop")
	}

	if err := o.pool.Stop(timeout); err != nil {
		o.logger.Warn("Ingest pool did not drain", "error", err)
	}
	if err := o.bridge.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	o.logger.Info("OPC UA output stopped",
		"received", o.received.Load(),
		"decode_errors", o.decodeErrors.Load())
	return stopErr
}

func (o *Output) isRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

func (o *Output) run(ctx context.Context) error {
	err := o.bridge.Run(ctx)
	if err != nil {
		o.mu.Lock()
		o.runErr = err
		o.lastError = err.Error()
		o.mu.Unlock()
		o.logger.Error("Synchronization loop failed", "error", err)
	}
	return err
}

func (o *Output) handleMessage(_ context.Context, data []byte) {
	o.received.Add(1)
	o.bytes.Add(int64(len(data)))
	o.lastActivity.Store(timestamp.ToUnixMs(time.Now()))

	if err := o.pool.Submit(data); err != nil {
		o.recordError(err)
		if o.logLimiter.Allow() {
			o.logger.Warn("Column sample dropped", "error", err, "queue_size", o.queueSize)
		}
	}
}

// ingest decodes one sample and stores it as the latest value of its
// column.
func (o *Output) ingest(_ context.Context, data []byte) error {
	s, err := column.DecodeSample(data)
	if err != nil {
		o.decodeErrors.Add(1)
		o.recordError(err)
		if o.logLimiter.Allow() {
			o.logger.Warn("Invalid column sample", "error", err)
		}
		return err
	}
	return o.table.Update(s)
}

// seedFromKV fills the table with the last value of every column kept in
// the bucket and keeps following it. Start waits for the initial values at
// most one operation timeout.
func (o *Output) seedFromKV(ctx context.Context) error {
	if _, err := o.natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.kvBucket,
		Description: "latest column samples",
		History:     1,
	}); err != nil {
		return errors.Wrap(err, "OPCUAOutput", "seedFromKV", "open bucket")
	}

	ready := make(chan struct{})
	var once sync.Once
	initDone := func() { once.Do(func() { close(ready) }) }

	// The watch is best effort: losing it never stops the bridge.
	o.group.Go(func() error {
		defer initDone()
		err := o.natsClient.WatchKeyValue(ctx, o.kvBucket, ">", o.applyEntry, initDone)
		if err != nil && ctx.Err() == nil {
			o.recordError(err)
			o.logger.Error("KV watch ended", "bucket", o.kvBucket, "error", err)
		}
		return nil
	})

	select {
	case <-ready:
		o.logger.Info("Column table seeded from KV", "bucket", o.kvBucket, "columns", o.table.Len())
	case <-time.After(o.params.OperationTimeout):
		o.logger.Warn("KV seeding incomplete, continuing", "bucket", o.kvBucket, "columns", o.table.Len())
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// applyEntry stores a KV entry. Deletes are ignored: a variable keeps its
// last value once published.
func (o *Output) applyEntry(e natsclient.KVEntry) {
	if e.Deleted {
		return
	}
	o.lastActivity.Store(timestamp.ToUnixMs(time.Now()))
	if err := o.ingest(context.Background(), e.Value); err != nil {
		o.logger.Debug("Ignoring KV entry", "key", e.Key, "revision", e.Revision)
	}
}

func (o *Output) recordError(err error) {
	o.mu.Lock()
	o.lastError = err.Error()
	o.mu.Unlock()
}

// Table exposes the latest-value table feeding the bridge.
func (o *Output) Table() *column.Table {
	return o.table
}

// Bridge exposes the underlying OPC UA bridge.
func (o *Output) Bridge() *uabridge.Bridge {
	return o.bridge
}

// Meta returns component metadata
func (o *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        o.name,
		Type:        "output",
		Description: "Publishes NATS column samples as an OPC UA address space",
		Version:     "0.1.0",
	}
}

// InputPorts returns the column subjects and the optional KV bucket.
func (o *Output) InputPorts() []component.Port {
	ports := make([]component.Port, 0, len(o.subjects)+1)
	for i, subj := range o.subjects {
		ports = append(ports, component.Port{
			Name:        fmt.Sprintf("columns_%d", i),
			Direction:   component.DirectionInput,
			Required:    true,
			Description: "Column samples",
			Config:      component.NATSPort{Subject: subj},
		})
	}
	if o.kvBucket != "" {
		ports = append(ports, component.Port{
			Name:        "latest_values",
			Direction:   component.DirectionInput,
			Description: "Last known column samples",
			Config:      component.KVWatchPort{Bucket: o.kvBucket},
		})
	}
	return ports
}

// OutputPorts returns the OPC UA listening endpoint.
func (o *Output) OutputPorts() []component.Port {
	host, port, err := gopcuastack.SplitEndpoint(o.params.Endpoint)
	if err != nil {
		return []component.Port{}
	}
	return []component.Port{{
		Name:        "opcua_endpoint",
		Direction:   component.DirectionOutput,
		Required:    true,
		Description: "OPC UA server endpoint",
		Config:      component.NetworkPort{Protocol: "opc.tcp", Host: host, Port: port},
	}}
}

// ConfigSchema returns the configuration schema
func (o *Output) ConfigSchema() component.ConfigSchema {
	return opcuaSchema
}

// Health reports the loop state. Conflicts that persisted past the warning
// threshold make the component degraded.
func (o *Output) Health() component.HealthStatus {
	status := o.bridge.Status()
	o.mu.RLock()
	running, started := o.running, o.startTime
	runErr, lastError := o.runErr, o.lastError
	o.mu.RUnlock()
	if status.LastError != "" {
		lastError = status.LastError
	}
	if runErr != nil {
		lastError = runErr.Error()
	}

	h := component.HealthStatus{
		Healthy:    running && runErr == nil && status.State != syncloop.StateStopped,
		Degraded:   len(status.Escalated) > 0,
		LastCheck:  time.Now(),
		ErrorCount: status.ErrorCount + int(o.decodeErrors.Load()),
		LastError:  lastError,
	}
	if running {
		h.Uptime = time.Since(started)
	}
	return h
}

// DataFlow returns current data flow metrics
func (o *Output) DataFlow() component.FlowMetrics {
	o.mu.RLock()
	started := o.startTime
	o.mu.RUnlock()

	received := o.received.Load()
	flow := component.FlowMetrics{}
	if received > 0 {
		flow.ErrorRate = float64(o.decodeErrors.Load()) / float64(received)
	}
	if !started.IsZero() {
		if secs := time.Since(started).Seconds(); secs > 0 {
			flow.MessagesPerSecond = float64(received) / secs
			flow.BytesPerSecond = float64(o.bytes.Load()) / secs
		}
	}
	flow.LastActivity = timestamp.FromUnixMs(o.lastActivity.Load())
	return flow
}

// Register registers the OPC UA output component with the given registry
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "opcua",
		Factory:     NewOutput,
		Schema:      opcuaSchema,
		Type:        "output",
		Protocol:    "opcua",
		Domain:      "industrial",
		Description: "OPC UA server exposing column samples as variables",
		Version:     "0.1.0",
	})
}
