package opcua

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/opcua/security"
	"github.com/c360/semstreams-opcua/opcua/stack"
	"github.com/c360/semstreams-opcua/opcua/stack/gopcuastack"
	"github.com/c360/semstreams-opcua/opcua/stack/memstack"
	"github.com/c360/semstreams-opcua/opcua/syncloop"
	"github.com/c360/semstreams-opcua/pkg/retry"
)

// BridgeOptions carries the optional collaborators of a Bridge.
type BridgeOptions struct {
	// Instance labels the metrics of this bridge. Defaults to "default".
	Instance string
	Logger   *slog.Logger
	Metrics  *metric.MetricsRegistry

	// Verifier replaces the credential store read from credentials_file.
	Verifier security.CredentialVerifier

	// StartRetry controls how often namespace registration and the stack
	// start are retried. Defaults to errors.DefaultRetryConfig.
	StartRetry *retry.Config
}

// Bridge owns one OPC UA server session fed by a column source.
//
// Initialize loads the security material and builds the stack; Start
// prepares the address space and opens the endpoint; Run blocks in the
// synchronization loop; Close tears the session down. Nothing touches the
// network before Start.
type Bridge struct {
	params Parameters
	src    column.Source
	opts   BridgeOptions
	logger *slog.Logger

	mu       sync.Mutex
	security *security.Manager
	server   stack.Server
	loop     *syncloop.Loop
	metrics  *syncloop.Metrics
	attempts *prometheus.CounterVec
	closed   bool
}

// NewBridge validates params and creates an uninitialized bridge.
func NewBridge(params Parameters, src column.Source, opts BridgeOptions) (*Bridge, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: column source is required", errors.ErrMissingConfig),
			"opcua", "NewBridge", "source check")
	}
	if opts.Instance == "" {
		opts.Instance = "default"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		params: params,
		src:    src,
		opts:   opts,
		logger: opts.Logger.With("endpoint", params.Endpoint, "server_name", params.ServerName),
	}, nil
}

// Initialize loads the security material and builds the protocol stack and
// the synchronization loop. Security failures are fatal and match
// errors.ErrSecurityLoad.
func (b *Bridge) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loop != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "opcua", "Initialize", "state check")
	}

	mgr := security.NewManager(b.params.SecurityConfig(), b.opts.Verifier, b.logger)
	if err := mgr.Load(); err != nil {
		return err
	}

	attempts, err := b.registerAttempts()
	if err != nil {
		return err
	}
	gate := &countingGatekeeper{next: mgr, attempts: attempts}

	opts := stack.Options{
		EndpointURL:    b.params.Endpoint,
		ServerName:     b.params.ServerName,
		ApplicationURI: b.params.ApplicationURI,
		Policies:       mgr.Policies(),
		AuthModes:      mgr.AuthModes(),
		KeyPair:        mgr.KeyPair(),
		Gatekeeper:     gate,
		Logger:         b.logger,
	}
	var srv stack.Server
	switch b.params.Stack {
	case StackMemory:
		srv = memstack.New(opts)
	default:
		gs, err := gopcuastack.New(opts)
		if err != nil {
			b.unregisterAttempts()
			return err
		}
		srv = gs
	}

	metrics, err := syncloop.NewMetrics(b.opts.Metrics, b.opts.Instance)
	if err != nil {
		b.unregisterAttempts()
		return err
	}
	loop, err := syncloop.New(b.params.LoopConfig(), srv, b.src, b.logger, metrics)
	if err != nil {
		metrics.Unregister()
		b.unregisterAttempts()
		return err
	}

	b.security = mgr
	b.server = srv
	b.loop = loop
	b.metrics = metrics
	b.attempts = attempts
	b.logger.Info("OPC UA bridge initialized",
		"stack", b.params.Stack,
		"namespace_uri", b.params.NamespaceURI,
		"application_uri", b.params.ApplicationURI)
	return nil
}

// Start registers the namespace, creates the Components folder and opens
// the endpoint. Transient failures are retried.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	loop, srv := b.loop, b.server
	b.mu.Unlock()
	if loop == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "opcua", "Start", "initialize required")
	}

	cfg := errors.DefaultRetryConfig().ToRetryConfig()
	if b.opts.StartRetry != nil {
		cfg = *b.opts.StartRetry
		cfg.RetryIf = errors.IsTransient
	}

	if err := retry.Do(ctx, cfg, func() error { return loop.Prepare(ctx) }); err != nil {
		return errors.Wrap(err, "opcua", "Start", "prepare address space")
	}
	if err := retry.Do(ctx, cfg, func() error { return srv.Start(ctx) }); err != nil {
		return errors.Wrap(err, "opcua", "Start", "start server")
	}
	b.logger.Info("OPC UA endpoint open")
	return nil
}

// Run drives the synchronization loop until the source stops being
// runnable, ctx is done, or the loop fails.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	loop := b.loop
	b.mu.Unlock()
	if loop == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "opcua", "Run", "initialize required")
	}
	return loop.Run(ctx)
}

// Close closes the server session and releases the metrics. It is safe to
// call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.server == nil {
		return nil
	}
	b.closed = true

	err := b.server.Close()
	b.metrics.Unregister()
	b.unregisterAttempts()
	b.logger.Info("OPC UA bridge closed")
	if err != nil {
		return errors.Wrap(err, "opcua", "Close", "close server")
	}
	return nil
}

// Parameters returns the parameters the bridge was created with.
func (b *Bridge) Parameters() Parameters {
	return b.params
}

// Server returns the protocol stack, or nil before Initialize.
func (b *Bridge) Server() stack.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.server
}

// Security returns the loaded security manager, or nil before Initialize.
func (b *Bridge) Security() *security.Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.security
}

// Status returns the loop status. Before Initialize it reports StateInit.
func (b *Bridge) Status() syncloop.Status {
	b.mu.Lock()
	loop := b.loop
	b.mu.Unlock()
	if loop == nil {
		return syncloop.Status{}
	}
	return loop.Status()
}

func (b *Bridge) registerAttempts() (*prometheus.CounterVec, error) {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "semstreams",
		Subsystem:   "opcua",
		Name:        "connection_attempts_total",
		Help:        "Client connection attempts by outcome",
		ConstLabels: prometheus.Labels{"instance": b.opts.Instance},
	}, []string{"result"})
	if b.opts.Metrics == nil {
		return attempts, nil
	}
	if err := b.opts.Metrics.RegisterCounterVec(b.service(), "connection_attempts_total", attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (b *Bridge) unregisterAttempts() {
	if b.opts.Metrics != nil {
		b.opts.Metrics.Unregister(b.service(), "connection_attempts_total")
	}
}

func (b *Bridge) service() string {
	return "opcua." + b.opts.Instance
}

// countingGatekeeper records the outcome of every connection attempt.
type countingGatekeeper struct {
	next     stack.Gatekeeper
	attempts *prometheus.CounterVec
}

func (g *countingGatekeeper) Admit(req security.ConnectRequest) (security.Role, error) {
	role, err := g.next.Admit(req)
	switch {
	case err == nil:
		g.attempts.WithLabelValues("admitted").Inc()
	case stderrors.Is(err, errors.ErrUntrustedPeer):
		g.attempts.WithLabelValues("untrusted").Inc()
	default:
		g.attempts.WithLabelValues("rejected").Inc()
	}
	return role, err
}
