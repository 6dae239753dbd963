// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/sony/gobreaker"
)

var errPropagatorStopped = errors.New("propagator stopped")

// PropagatorConfig tunes the queue update propagator.
type PropagatorConfig struct {
	QueueSize        int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold uint32
	BreakerTimeout   time.Duration
	Logger           *slog.Logger
}

// DefaultPropagatorConfig returns the propagator defaults.
func DefaultPropagatorConfig() PropagatorConfig {
	return PropagatorConfig{
		QueueSize:        4096,
		InitialBackoff:   50 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		FailureThreshold: 5,
		BreakerTimeout:   10 * time.Second,
	}
}

// Pending is an entry handed to the propagator and not yet committed.
type Pending struct {
	entry *types.Entry
	done  chan struct{}
	seq   uint64
	err   error
}

// Done is closed once the entry is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the entry is committed and applied, and returns the
// applier's result.
func (p *Pending) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-p.done:
		return p.seq, p.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Propagator publishes queue updates to the replicated log in submission
// order. Transient failures are retried with backoff behind a circuit
// breaker; ErrNotPrimary and apply failures are final.
type Propagator struct {
	log    ReplicatedLog
	cfg    PropagatorConfig
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
	warn   *throttledLogger

	queue chan *Pending

	mu          sync.Mutex
	uncommitted map[string]int

	// held for reading by senders so Stop can drain a closed queue
	submitMu sync.RWMutex
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPropagator creates a propagator writing to log.
func NewPropagator(log ReplicatedLog, cfg PropagatorConfig) *Propagator {
	def := DefaultPropagatorConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Propagator{
		log:         log,
		cfg:         cfg,
		logger:      logger,
		warn:        newThrottledLogger(logger, 5*time.Second, 3),
		queue:       make(chan *Pending, cfg.QueueSize),
		uncommitted: make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "replicated-log",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isFinal(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("replicated log circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return p
}

// Start launches the publishing worker.
func (p *Propagator) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the worker and fails every entry still queued.
func (p *Propagator) Stop() {
	p.cancel()

	p.submitMu.Lock()
	if p.stopped {
		p.submitMu.Unlock()
		return
	}
	p.stopped = true
	p.submitMu.Unlock()

	p.wg.Wait()

	for {
		select {
		case pd := <-p.queue:
			p.finish(pd, 0, errPropagatorStopped)
		default:
			return
		}
	}
}

// Submit queues e for publication.
func (p *Propagator) Submit(e *types.Entry) *Pending {
	pd := &Pending{entry: e, done: make(chan struct{})}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.stopped {
		pd.err = errPropagatorStopped
		close(pd.done)
		return pd
	}
	if e != nil {
		p.mu.Lock()
		p.uncommitted[e.Queue]++
		p.mu.Unlock()
	}

	select {
	case p.queue <- pd:
	case <-p.ctx.Done():
		p.finish(pd, 0, errPropagatorStopped)
	}
	return pd
}

// Registration is what the RegisterApp entry of one added app carries.
type Registration struct {
	Key   types.AppKey
	Token string
}

// PublishTransitions logs and submits the registrations of an
// authorization change.
func (p *Propagator) PublishTransitions(queue string, d Diff, regs map[string]Registration) []*Pending {
	var out []*Pending
	for _, id := range d.Removed {
		p.logger.Info(fmt.Sprintf("Unregistered appId '%s'", id),
			slog.String("queue", queue),
			slog.Uint64("authorization_version", d.Version))
		out = append(out, p.Submit(types.UnregisterAppEntry(queue, id)))
	}
	for _, id := range d.Added {
		p.logger.Info(fmt.Sprintf("Registered appId '%s'", id),
			slog.String("queue", queue),
			slog.Uint64("authorization_version", d.Version))
		reg := regs[id]
		e := types.RegisterAppEntry(queue, id, reg.Key)
		e.Token = reg.Token
		out = append(out, p.Submit(e))
	}
	return out
}

// Flush waits until everything submitted before the call is resolved.
func (p *Propagator) Flush(ctx context.Context) error {
	_, err := p.Submit(nil).Wait(ctx)
	return err
}

// Uncommitted returns the number of queued entries of queue.
func (p *Propagator) Uncommitted(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uncommitted[queue]
}

func (p *Propagator) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case pd := <-p.queue:
			p.process(pd)
		}
	}
}

func (p *Propagator) process(pd *Pending) {
	if pd.entry == nil {
		p.finish(pd, 0, nil)
		return
	}

	backoff := p.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		res, err := p.cb.Execute(func() (interface{}, error) {
			return p.log.Append(p.ctx, pd.entry)
		})
		if err == nil {
			seq, _ := res.(uint64)
			p.finish(pd, seq, nil)
			return
		}
		if isFinal(err) {
			p.finish(pd, 0, err)
			return
		}

		p.warn.Warn("failed to publish queue update, retrying",
			slog.String("queue", pd.entry.Queue),
			slog.String("entry", pd.entry.Type.String()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", backoff),
			slog.String("error", err.Error()))

		select {
		case <-time.After(backoff):
		case <-p.ctx.Done():
			p.finish(pd, 0, errPropagatorStopped)
			return
		}
		backoff = min(backoff*2, p.cfg.MaxBackoff)
	}
}

func (p *Propagator) finish(pd *Pending, seq uint64, err error) {
	if pd.entry != nil {
		p.mu.Lock()
		if n := p.uncommitted[pd.entry.Queue]; n > 1 {
			p.uncommitted[pd.entry.Queue] = n - 1
		} else {
			delete(p.uncommitted, pd.entry.Queue)
		}
		p.mu.Unlock()
	}
	pd.seq = seq
	pd.err = err
	close(pd.done)
}

func isFinal(err error) bool {
	var applyErr *ApplyError
	return errors.As(err, &applyErr) || errors.Is(err, types.ErrNotPrimary)
}
