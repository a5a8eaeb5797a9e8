// Package syncloop drives the address space from a column source. Each tick
// takes a snapshot of the source, makes sure every column has a component
// object and a variable, and writes the latest value into the variable.
//
// The loop runs on a single goroutine. The addrspace.Registry it owns is
// never touched by anything else, so it needs no locking; only the Status
// snapshot is shared with other goroutines.
package syncloop

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/addrspace"
	"github.com/c360/semstreams-opcua/opcua/stack"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateInit State = iota
	StateNamespaceRegistered
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNamespaceRegistered:
		return "namespace_registered"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TickStats summarizes one tick.
type TickStats struct {
	Columns           int
	ComponentsCreated int
	VariablesCreated  int
	Writes            int
	Conflicts         int
	Mismatches        int
	Dropped           int
	Duration          time.Duration

	// Err is set when the tick hit a condition that ends the loop: a fatal
	// stack error or a conflict that reached ConflictFailAfter.
	Err error
}

// Status is a point-in-time view of the loop for health reporting.
type Status struct {
	State      State
	Namespace  uint16
	Ticks      uint64
	LastTick   time.Time
	Components int
	Variables  int
	ErrorCount int
	LastError  string
	// Escalated lists node identifiers that have conflicted for at least
	// ConflictWarnAfter consecutive ticks.
	Escalated []string
}

// Loop synchronizes a column.Source into a stack.Server.
type Loop struct {
	cfg     Config
	srv     stack.Server
	src     column.Source
	logger  *slog.Logger
	metrics *Metrics

	state     atomic.Int32
	prepareMu sync.Mutex

	registry  *addrspace.Registry
	conflicts map[string]int

	statusMu sync.RWMutex
	status   Status
}

// New creates a loop in StateInit. logger and metrics may be nil.
func New(cfg Config, srv stack.Server, src column.Source, logger *slog.Logger, metrics *Metrics) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if srv == nil || src == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: server and column source are required", errors.ErrMissingConfig),
			"syncloop", "New", "collaborator check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg.withDefaults(),
		srv:       srv,
		src:       src,
		logger:    logger.With("namespace_uri", cfg.NamespaceURI),
		metrics:   metrics,
		conflicts: make(map[string]int),
	}, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Config returns the effective configuration.
func (l *Loop) Config() Config {
	return l.cfg
}

// Prepare registers the namespace and creates the Components folder. It
// succeeds once; later calls return errors.ErrAlreadyStarted. A failed
// Prepare leaves the loop in StateInit so it can be retried.
func (l *Loop) Prepare(ctx context.Context) error {
	l.prepareMu.Lock()
	defer l.prepareMu.Unlock()

	if l.State() != StateInit {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "syncloop", "Prepare", "state check")
	}

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OperationTimeout)
	ns, err := l.srv.RegisterNamespace(opCtx, l.cfg.NamespaceURI)
	cancel()
	if err != nil {
		if errors.IsFatal(err) || stderrors.Is(err, errors.ErrShuttingDown) {
			return errors.WrapFatal(err, "syncloop", "Prepare", "register namespace")
		}
		return errors.WrapTransient(err, "syncloop", "Prepare", "register namespace")
	}

	factory := addrspace.NewFactory(l.srv, l.cfg.OperationTimeout)
	folder, err := factory.CreateComponentsFolder(ctx, ns)
	if err != nil {
		return errors.Wrap(err, "syncloop", "Prepare", "create components folder")
	}

	l.registry = addrspace.NewRegistry(factory, ns, folder)
	l.state.Store(int32(StateNamespaceRegistered))

	l.statusMu.Lock()
	l.status.State = StateNamespaceRegistered
	l.status.Namespace = ns
	l.statusMu.Unlock()

	l.logger.Info("Address space prepared", "namespace_index", ns, "folder", folder.ID.String())
	return nil
}

// Run ticks until the source stops being runnable or ctx is done, waiting
// Interval between ticks. It returns nil on a normal stop and an error
// only when a tick reports one. The loop ends in StateStopped either way.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateNamespaceRegistered), int32(StateRunning)) {
		if l.State() == StateInit {
			return errors.WrapInvalid(errors.ErrNotStarted, "syncloop", "Run", "prepare required")
		}
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "syncloop", "Run", "state check")
	}
	l.setState(StateRunning)
	defer l.setState(StateStopped)

	l.logger.Info("Synchronization loop running", "interval", l.cfg.Interval)
	for {
		if !l.src.IsRunnable() || ctx.Err() != nil {
			l.logger.Info("Synchronization loop stopping", "runnable", l.src.IsRunnable())
			return nil
		}

		if stats := l.Tick(ctx); stats.Err != nil {
			l.logger.Error("Synchronization loop failed", "error", stats.Err)
			return stats.Err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.Interval):
		}
	}
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.statusMu.Lock()
	l.status.State = s
	l.statusMu.Unlock()
}

// Tick runs one synchronization pass over a fresh snapshot. Columns are
// processed in snapshot order. Conflicts, type mismatches and transient
// failures skip the affected column only.
func (l *Loop) Tick(ctx context.Context) TickStats {
	var stats TickStats
	if l.registry == nil {
		stats.Err = errors.WrapInvalid(errors.ErrNotStarted, "syncloop", "Tick", "prepare required")
		return stats
	}

	start := time.Now()
	conflicted := make(map[string]struct{})
	var lastErr error

	for col := range l.src.NextColumnSnapshot() {
		if ctx.Err() != nil {
			break
		}
		stats.Columns++

		nodeID, err := l.syncColumn(ctx, col, &stats)
		if err == nil {
			continue
		}
		lastErr = err
		log := l.logger.With("source", col.Source(), "field", col.Field(), "node_id", nodeID, "error", err)

		switch {
		case stderrors.Is(err, errors.ErrNodeConflict):
			stats.Conflicts++
			conflicted[nodeID] = struct{}{}
			log.Warn("Node identifier conflict, skipping column")
		case stderrors.Is(err, errors.ErrTypeMismatch):
			stats.Mismatches++
			log.Warn("Column type does not match variable, skipping column")
		case errors.IsFatal(err):
			stats.Err = err
		default:
			stats.Dropped++
			log.Warn("Column update dropped")
		}
		if stats.Err != nil {
			break
		}
	}

	if err := l.trackConflicts(conflicted); err != nil && stats.Err == nil {
		stats.Err = err
	}
	stats.Duration = time.Since(start)
	l.finishTick(stats, lastErr)
	return stats
}

// syncColumn resolves the nodes of col and writes its latest value. The
// returned identifier names the node the error concerns.
func (l *Loop) syncColumn(ctx context.Context, col column.Column, stats *TickStats) (string, error) {
	ns := l.registry.Namespace()
	source, field := col.Source(), col.Field()
	ts, value := col.Latest()

	comp, created, err := l.registry.ResolveComponent(ctx, source)
	if err != nil {
		return addrspace.ComponentNodeID(source, ns).String(), err
	}
	if created {
		stats.ComponentsCreated++
		l.logger.Info("Created component node", "source", source, "node_id", comp.Handle.ID.String())
	}

	nodeID := addrspace.VariableNodeID(source, field, ns).String()
	v, created, err := l.registry.ResolveVariable(ctx, comp, field, col.Type(), value)
	if err != nil {
		return nodeID, err
	}
	if created {
		stats.VariablesCreated++
		l.logger.Debug("Created variable node", "source", source, "field", field, "type", col.Type().String(), "node_id", nodeID)
	}

	if col.Type() != v.Type {
		return nodeID, errors.WrapInvalid(
			fmt.Errorf("%w: %s was created as %s, column is now %s", errors.ErrTypeMismatch, nodeID, v.Type, col.Type()),
			"syncloop", "syncColumn", "type check")
	}
	coerced, err := v.Type.Coerce(value)
	if err != nil {
		return nodeID, errors.WrapInvalid(err, "syncloop", "syncColumn", "value coercion")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := l.registry.Write(ctx, v, coerced, ts); err != nil {
		return nodeID, err
	}
	stats.Writes++
	return nodeID, nil
}

// trackConflicts updates the consecutive conflict counts. Identifiers that
// did not conflict this tick start over.
func (l *Loop) trackConflicts(conflicted map[string]struct{}) error {
	for id := range l.conflicts {
		if _, again := conflicted[id]; !again {
			if l.conflicts[id] >= l.cfg.ConflictWarnAfter {
				l.logger.Info("Node identifier conflict cleared", "node_id", id)
			}
			delete(l.conflicts, id)
		}
	}

	var failed []string
	for id := range conflicted {
		l.conflicts[id]++
		n := l.conflicts[id]
		if n == l.cfg.ConflictWarnAfter {
			l.logger.Error("Node identifier keeps conflicting", "node_id", id, "consecutive_ticks", n)
		}
		if l.cfg.ConflictFailAfter > 0 && n >= l.cfg.ConflictFailAfter {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return errors.WrapFatal(
		fmt.Errorf("%w: %v conflicted for %d consecutive ticks", errors.ErrNodeConflict, failed, l.cfg.ConflictFailAfter),
		"syncloop", "Tick", "conflict policy")
}

func (l *Loop) finishTick(stats TickStats, lastErr error) {
	components, variables := l.registry.Components(), l.registry.Variables()
	l.metrics.observe(stats, components, variables)

	var escalated []string
	for id, n := range l.conflicts {
		if n >= l.cfg.ConflictWarnAfter {
			escalated = append(escalated, id)
		}
	}
	sort.Strings(escalated)

	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.status.Ticks++
	l.status.LastTick = time.Now()
	l.status.Components = components
	l.status.Variables = variables
	l.status.Escalated = escalated
	if errs := stats.Conflicts + stats.Mismatches + stats.Dropped; errs > 0 {
		l.status.ErrorCount += errs
	}
	if stats.Err != nil {
		l.status.ErrorCount++
		lastErr = stats.Err
	}
	if lastErr != nil {
		l.status.LastError = lastErr.Error()
	}
}

// Status returns a copy of the current status.
func (l *Loop) Status() Status {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	s := l.status
	s.Escalated = append([]string(nil), l.status.Escalated...)
	return s
}

// Registry exposes the address space registry. It must only be used from
// the goroutine that drives the loop, or after Run returned.
func (l *Loop) Registry() *addrspace.Registry {
	return l.registry
}
