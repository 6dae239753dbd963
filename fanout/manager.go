// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ Applier = (*Manager)(nil)

// Config wires a Manager.
type Config struct {
	Storage storage.MessageLog
	Log     ReplicatedLog
	Domains []types.DomainConfig

	// Alarmer defaults to a LogAlarmer on Logger.
	Alarmer Alarmer
	Metrics Metrics
	Logger  *slog.Logger
	// Now is the clock used for message expiry.
	Now func() time.Time

	Propagator PropagatorConfig
	// BarrierTimeout bounds how long promotion waits to catch up.
	BarrierTimeout time.Duration
}

// Manager owns the queues of a node and applies the replicated log to
// them. It follows the log's leadership: the leader serves every queue as
// primary, the other nodes mirror committed state.
type Manager struct {
	store       storage.MessageLog
	log         ReplicatedLog
	prop        *Propagator
	coordinator *RecoveryCoordinator
	deps        queueDeps
	logger      *slog.Logger
	tracer      trace.Tracer

	mu      sync.RWMutex
	queues  map[string]*Queue
	domains map[string]types.DomainConfig

	primary atomic.Bool
	roleMu  sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. Start binds it to the log.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("replicated log is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Alarmer == nil {
		cfg.Alarmer = LogAlarmer{Logger: logger}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Propagator.Logger == nil {
		cfg.Propagator.Logger = logger
	}

	prop := NewPropagator(cfg.Log, cfg.Propagator)
	m := &Manager{
		store:       cfg.Storage,
		log:         cfg.Log,
		prop:        prop,
		coordinator: newRecoveryCoordinator(cfg.Log, cfg.BarrierTimeout, logger),
		deps: queueDeps{
			store:   cfg.Storage,
			prop:    prop,
			alarmer: cfg.Alarmer,
			metrics: cfg.Metrics,
			logger:  logger,
			now:     cfg.Now,
		},
		logger:  logger,
		tracer:  otel.Tracer("fanoutmq/fanout"),
		queues:  make(map[string]*Queue),
		domains: make(map[string]types.DomainConfig),
		stopCh:  make(chan struct{}),
	}

	for _, d := range cfg.Domains {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.domains[d.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate domain %s", types.ErrInvalidConfig, d.Name)
		}
		m.domains[d.Name] = d.Normalize()
	}

	return m, nil
}

// Start binds the manager to the log, replaying committed entries, and
// follows leadership from then on.
func (m *Manager) Start(ctx context.Context) error {
	m.prop.Start()

	if err := m.log.Bind(ctx, m); err != nil {
		return fmt.Errorf("failed to bind replicated log: %w", err)
	}

	if ch := m.log.LeaderCh(); ch != nil {
		m.wg.Add(1)
		go m.watchLeadership(ch)
	}

	if m.log.IsLeader() {
		if _, err := m.BecomePrimary(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts every queue and the propagator. The log is left open.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		q.deactivate()
		q.stop()
	}
	m.prop.Stop()
	return nil
}

func (m *Manager) watchLeadership(ch <-chan bool) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case leader, ok := <-ch:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if leader {
				if _, err := m.BecomePrimary(ctx); err != nil {
					m.logger.Error("promotion failed", slog.String("error", err.Error()))
				}
			} else {
				m.BecomeReplica(ctx)
			}
			cancel()
		}
	}
}

// IsPrimary reports whether this node serves the queues.
func (m *Manager) IsPrimary() bool {
	return m.primary.Load()
}

// BecomePrimary promotes the node after validating its replicated state.
func (m *Manager) BecomePrimary(ctx context.Context) (*RecoveryReport, error) {
	m.roleMu.Lock()
	defer m.roleMu.Unlock()

	if m.primary.Load() {
		return &RecoveryReport{AppliedIndex: m.log.AppliedIndex()}, nil
	}

	ctx, span := m.tracer.Start(ctx, "fanout.promote")
	defer span.End()

	report, err := m.coordinator.Promote(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	m.primary.Store(true)

	m.logger.Info("node promoted to primary",
		slog.Uint64("applied_index", report.AppliedIndex),
		slog.Int("queues", len(report.Queues)))

	return report, nil
}

// BecomeReplica closes every handle and stops serving.
func (m *Manager) BecomeReplica(ctx context.Context) {
	m.roleMu.Lock()
	defer m.roleMu.Unlock()

	if !m.primary.Swap(false) {
		return
	}
	for _, q := range m.snapshot() {
		q.deactivate()
	}
	m.logger.Info("node demoted to replica")
}

// ConfigureDomain adds or replaces a domain configuration and applies its
// authorization set to the domain's queues.
func (m *Manager) ConfigureDomain(ctx context.Context, cfg types.DomainConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Normalize()

	m.mu.Lock()
	m.domains[cfg.Name] = cfg
	var queues []*Queue
	for name, q := range m.queues {
		if domain, _, err := types.SplitQueueName(name); err == nil && domain == cfg.Name {
			queues = append(queues, q)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if _, err := q.configure(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Domain returns the configuration of a domain.
func (m *Manager) Domain(name string) (types.DomainConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.domains[name]
	return cfg, ok
}

func (m *Manager) domainConfig(queue string) (types.DomainConfig, bool) {
	domain, _, err := types.SplitQueueName(queue)
	if err != nil {
		return types.DomainConfig{}, false
	}
	return m.Domain(domain)
}

// Queue returns the named queue, creating it in a configured domain.
func (m *Manager) Queue(ctx context.Context, name string) (*Queue, error) {
	domain, _, err := types.SplitQueueName(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if q, ok := m.queues[name]; ok {
		m.mu.Unlock()
		return q, nil
	}
	cfg, ok := m.domains[domain]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrDomainNotFound, domain)
	}
	q := newQueue(name, cfg, m.deps)
	m.queues[name] = q
	m.mu.Unlock()

	if m.primary.Load() {
		q.activate()
		if _, err := q.configure(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// queueFor returns the named queue for replicated state, creating it
// regardless of domain configuration.
func (m *Manager) queueFor(name string) *Queue {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	cfg := types.DomainConfig{Name: name}
	if domain, _, err := types.SplitQueueName(name); err == nil {
		cfg.Name = domain
		if dc, ok := m.domains[domain]; ok {
			cfg = dc
		}
	}
	q = newQueue(name, cfg, m.deps)
	m.queues[name] = q
	return q
}

// Lookup returns an existing queue.
func (m *Manager) Lookup(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrQueueNotFound, name)
	}
	return q, nil
}

// Queues returns the sorted names of every known queue.
func (m *Manager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].name < queues[j].name })
	return queues
}

// Post appends a message to a queue.
func (m *Manager) Post(ctx context.Context, queue string, payload []byte, props map[string]string) (*types.Message, error) {
	ctx, span := m.tracer.Start(ctx, "fanout.post",
		trace.WithAttributes(
			attribute.String("queue", queue),
			attribute.Int("payload_size", len(payload))))
	defer span.End()

	q, err := m.Queue(ctx, queue)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	msg, err := q.Post(ctx, payload, props)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("sequence", int64(msg.Sequence)))
	return msg, nil
}

// Open opens a handle on a queue for appID.
func (m *Manager) Open(ctx context.Context, queue, appID string, opts OpenOptions) (*Handle, OpenStatus, error) {
	ctx, span := m.tracer.Start(ctx, "fanout.open",
		trace.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("app_id", appID)))
	defer span.End()

	q, err := m.Queue(ctx, queue)
	if err != nil {
		span.RecordError(err)
		return nil, OpenUnauthorized, err
	}
	h, status, err := q.Open(ctx, appID, opts)
	if err != nil {
		span.RecordError(err)
		return nil, status, err
	}
	span.SetAttributes(attribute.String("status", status.String()))
	return h, status, nil
}

// Confirm confirms messages of appID on a queue.
func (m *Manager) Confirm(ctx context.Context, queue, appID string, sel types.ConfirmSelector) error {
	q, err := m.Lookup(queue)
	if err != nil {
		return err
	}
	return q.Confirm(ctx, appID, sel)
}

// UnregisterApps removes every listed app from a queue. Apps that cannot be
// removed are reported together; the rest are removed.
func (m *Manager) UnregisterApps(ctx context.Context, queue string, appIDs ...string) error {
	q, err := m.Lookup(queue)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range appIDs {
		if err := q.Unregister(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("app %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CollectGarbage runs one garbage collection pass on every queue.
func (m *Manager) CollectGarbage(ctx context.Context) error {
	var errs []error
	for _, q := range m.snapshot() {
		if _, err := q.CollectGarbage(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush waits for every queue update submitted so far to resolve.
func (m *Manager) Flush(ctx context.Context) error {
	return m.prop.Flush(ctx)
}

// ApplyEntry applies a committed entry to its queue.
func (m *Manager) ApplyEntry(ctx context.Context, e *types.Entry) (uint64, error) {
	if e.Queue == "" {
		return 0, fmt.Errorf("%w: entry without queue", types.ErrUnknownEntry)
	}
	return m.queueFor(e.Queue).apply(ctx, e)
}

// Restore rebuilds every queue from entries.
func (m *Manager) Restore(ctx context.Context, entries []*types.Entry) error {
	for _, q := range m.snapshot() {
		q.reset()
	}

	var failed int
	for _, e := range entries {
		if _, err := m.ApplyEntry(ctx, e); err != nil {
			failed++
			m.logger.Warn("skipped entry during restore",
				slog.String("queue", e.Queue),
				slog.String("entry", e.Type.String()),
				slog.Uint64("index", e.Index),
				slog.String("error", err.Error()))
		}
	}

	if m.primary.Load() {
		for _, q := range m.snapshot() {
			q.activate()
			if cfg, ok := m.domainConfig(q.name); ok {
				if _, err := q.configure(ctx, cfg); err != nil {
					return err
				}
			}
		}
	}

	m.logger.Info("queues restored",
		slog.Int("entries", len(entries)),
		slog.Int("skipped", failed),
		slog.Int("queues", len(m.Queues())))
	return nil
}

// DumpInternals describes every queue.
func (m *Manager) DumpInternals(ctx context.Context) []string {
	var lines []string
	for _, q := range m.snapshot() {
		lines = append(lines, q.DumpInternals(ctx)...)
	}
	return lines
}
