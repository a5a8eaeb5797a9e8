package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/componentregistry"
	"github.com/c360/semstreams-opcua/config"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/health"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/natsclient"
	"github.com/c360/semstreams-opcua/pkg/retry"
	"github.com/c360/semstreams-opcua/types"
)

const natsHealthName = "nats"

type hosted struct {
	name string
	comp component.LifecycleComponent
}

// app hosts the configured components: it owns the shared NATS connection,
// the metrics registry and the health monitor.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *component.Registry
	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	nats     *natsclient.Client

	// NATS connection retry; tests shorten it
	connectRetry retry.Config

	mu         sync.Mutex
	components []hosted
	started    []hosted
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := component.NewRegistry()
	if err := componentregistry.Register(registry); err != nil {
		return nil, fmt.Errorf("register components: %w", err)
	}
	logger.Info("Component factories registered", "factories", registry.ListComponentTypes())

	return &app{
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		metrics:      metric.NewMetricsRegistry(),
		monitor:      health.NewMonitor(),
		connectRetry: retry.Persistent(),
	}, nil
}

// connectNATS dials the configured servers, retrying transient failures.
// An empty URL list leaves the app without NATS.
func (a *app) connectNATS(ctx context.Context) error {
	nc := a.cfg.NATS
	if len(nc.URLs) == 0 {
		a.logger.Warn("No NATS servers configured")
		return nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.metrics),
		natsclient.WithClientName(fmt.Sprintf("%s-%s", appName, a.cfg.GetPlatform())),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithHealthChangeCallback(a.natsHealthChanged),
	}
	if nc.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	cfg := a.connectRetry
	cfg.RetryIf = errors.IsTransient
	if err := retry.Do(ctx, cfg, func() error { return client.Connect(ctx) }); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	a.natsHealthChanged(true)
	return nil
}

func (a *app) natsHealthChanged(healthy bool) {
	if healthy {
		a.monitor.Update(natsHealthName, health.NewHealthy(natsHealthName, "Connected"))
	} else {
		a.monitor.Update(natsHealthName, health.NewUnhealthy(natsHealthName, "Disconnected"))
	}
}

// createComponents builds every enabled component, in instance name order,
// and initializes it.
func (a *app) createComponents() error {
	deps := component.Dependencies{
		NATSClient:      a.nats,
		MetricsRegistry: a.metrics,
		Logger:          a.logger,
		Platform: types.PlatformMeta{
			Org:      a.cfg.Platform.Org,
			Platform: a.cfg.GetPlatform(),
		},
	}

	for _, name := range slices.Sorted(maps.Keys(a.cfg.Components)) {
		compCfg := a.cfg.Components[name]
		if !compCfg.Enabled {
			a.logger.Info("Component disabled in config", "instance", name)
			continue
		}
		comp, err := a.registry.CreateComponent(name, compCfg, deps)
		if err != nil {
			return fmt.Errorf("create component %s: %w", name, err)
		}
		lc, ok := component.AsLifecycleComponent(comp)
		if !ok {
			return fmt.Errorf("component %s has no lifecycle", name)
		}
		if err := lc.Initialize(); err != nil {
			a.registry.UnregisterInstance(name)
			return fmt.Errorf("initialize component %s: %w", name, err)
		}

		a.mu.Lock()
		a.components = append(a.components, hosted{name: name, comp: lc})
		a.mu.Unlock()
		a.logger.Info("Created component", "instance", name, "factory", compCfg.Name, "type", compCfg.Type)
	}
	return nil
}

// validateComponents runs every enabled component factory without
// starting anything, so parameter errors surface in -validate mode.
func (a *app) validateComponents() error {
	for _, name := range slices.Sorted(maps.Keys(a.cfg.Components)) {
		compCfg := a.cfg.Components[name]
		if !compCfg.Enabled {
			continue
		}
		if _, err := a.registry.CreateComponent(name, compCfg, component.Dependencies{Logger: a.logger}); err != nil {
			return fmt.Errorf("component %s: %w", name, err)
		}
		a.registry.UnregisterInstance(name)
	}
	return nil
}

// start starts inputs after outputs so no sample is published before
// something listens. A failure stops what was already started.
func (a *app) start(ctx context.Context, stopTimeout time.Duration) error {
	a.mu.Lock()
	ordered := slices.Clone(a.components)
	a.mu.Unlock()
	slices.SortStableFunc(ordered, func(x, y hosted) int {
		return startRank(x.comp) - startRank(y.comp)
	})

	for _, h := range ordered {
		if err := h.comp.Start(ctx); err != nil {
			a.stop(stopTimeout)
			return fmt.Errorf("start component %s: %w", h.name, err)
		}
		a.mu.Lock()
		a.started = append(a.started, h)
		a.mu.Unlock()
		a.logger.Info("Started component", "instance", h.name)
	}
	return nil
}

func startRank(c component.Discoverable) int {
	if c.Meta().Type == string(types.ComponentTypeInput) {
		return 1
	}
	return 0
}

// stop stops started components in reverse start order and closes the
// ones never started. The first error is returned.
func (a *app) stop(timeout time.Duration) error {
	a.mu.Lock()
	started := a.started
	all := a.components
	a.started = nil
	a.components = nil
	a.mu.Unlock()

	var firstErr error
	stopOne := func(h hosted) {
		if err := h.comp.Stop(timeout); err != nil {
			a.logger.Error("Component stop failed", "instance", h.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		a.registry.UnregisterInstance(h.name)
		a.monitor.Remove(h.name)
	}

	for i := len(started) - 1; i >= 0; i-- {
		stopOne(started[i])
	}
	for _, h := range all {
		if !slices.ContainsFunc(started, func(s hosted) bool { return s.name == h.name }) {
			stopOne(h)
		}
	}
	return firstErr
}

// health refreshes the monitor from the components and returns the
// aggregate for the /health endpoint.
func (a *app) health() (bool, any) {
	a.mu.Lock()
	comps := slices.Clone(a.components)
	a.mu.Unlock()

	core := a.metrics.CoreMetrics()
	for _, h := range comps {
		status := health.FromComponentHealth(h.name, h.comp.Health())
		a.monitor.Update(h.name, status)
		core.RecordHealth(h.name, healthLevel(status))
	}
	agg := a.monitor.AggregateHealth(appName)
	return !agg.IsUnhealthy(), agg
}

func healthLevel(s health.Status) int {
	switch {
	case s.IsHealthy():
		return 2
	case s.IsDegraded():
		return 1
	default:
		return 0
	}
}

func (a *app) close(ctx context.Context) {
	if a.nats == nil {
		return
	}
	if err := a.nats.Close(ctx); err != nil {
		a.logger.Warn("NATS close failed", "error", err)
	}
}
