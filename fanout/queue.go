// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
)

// Queue is the fan-out engine of one queue. Its mutex is the queue's
// sequencer: every state transition, delivery and applied entry runs under
// it, and nothing blocks on the replicated log while it is held.
type Queue struct {
	name    string
	store   storage.MessageLog
	prop    *Propagator
	alarmer Alarmer
	metrics Metrics
	logger  *slog.Logger
	warn    *throttledLogger
	now     func() time.Time

	// pubMu orders authorization changes with their publication.
	pubMu sync.Mutex

	mu        sync.Mutex
	cfg       types.DomainConfig
	registry  *Registry
	committed *types.QueueRecord
	primary   bool

	// Appends submitted by this primary and not yet applied, by GUID.
	reserved map[string]struct{}
	// Highest purge point already submitted.
	purgeRequested uint64

	gcCh     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type queueDeps struct {
	store   storage.MessageLog
	prop    *Propagator
	alarmer Alarmer
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func newQueue(name string, cfg types.DomainConfig, deps queueDeps) *Queue {
	logger := deps.logger.With(slog.String("queue", name))
	q := &Queue{
		name:      name,
		store:     deps.store,
		prop:      deps.prop,
		alarmer:   deps.alarmer,
		metrics:   deps.metrics,
		logger:    logger,
		warn:      newThrottledLogger(logger, 5*time.Second, 3),
		now:       deps.now,
		cfg:       cfg.Normalize(),
		registry:  newRegistry(),
		committed: types.NewQueueRecord(name),
		reserved:  make(map[string]struct{}),
		gcCh:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	q.wg.Add(1)
	go q.run()

	return q
}

// Name returns the fully qualified queue name.
func (q *Queue) Name() string { return q.name }

// Config returns the queue's domain configuration.
func (q *Queue) Config() types.DomainConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// IsPrimary reports whether this node serves the queue.
func (q *Queue) IsPrimary() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.primary
}

// Authorization returns the current authorization snapshot.
func (q *Queue) Authorization() *AuthorizationSet {
	return q.registry.Authorization()
}

// Committed returns a copy of the committed queue record.
func (q *Queue) Committed() *types.QueueRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committed.Clone()
}

// Post appends a message and returns it with its sequence once committed.
func (q *Queue) Post(ctx context.Context, payload []byte, props map[string]string) (*types.Message, error) {
	msg := types.NewMessage(payload, props)
	now, err := q.reserve(ctx, msg.GUID)
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = now

	pd := q.prop.Submit(types.AppendEntry(q.name, msg))
	seq, err := pd.Wait(ctx)
	if err != nil {
		select {
		case <-pd.Done():
			q.release(msg.GUID)
		default:
			// The append may still apply; its slot is held until it resolves.
			go func() {
				<-pd.Done()
				q.release(msg.GUID)
			}()
		}
		return nil, err
	}

	q.metrics.RecordPost(q.name, len(payload))

	out := msg.Clone()
	out.Sequence = seq
	return out, nil
}

// reserve takes a slot for one more message. A full queue reclaims what
// its apps already confirmed before refusing.
func (q *Queue) reserve(ctx context.Context, guid string) (time.Time, error) {
	for attempt := 0; ; attempt++ {
		q.mu.Lock()
		if !q.primary {
			q.mu.Unlock()
			return time.Time{}, types.ErrNotPrimary
		}
		limit := q.cfg.MaxMessages
		retained := int64(q.committed.LastSequence - q.committed.PurgedUpTo)
		if limit <= 0 || retained+int64(len(q.reserved)) < limit {
			q.reserved[guid] = struct{}{}
			now := q.now()
			q.mu.Unlock()
			return now, nil
		}
		q.mu.Unlock()

		if attempt > 0 {
			return time.Time{}, fmt.Errorf("%w: queue %s holds %d of %d messages", types.ErrLimitMessages, q.name, retained, limit)
		}
		if err := q.prop.Flush(ctx); err != nil {
			return time.Time{}, err
		}
		if _, err := q.CollectGarbage(ctx); err != nil {
			return time.Time{}, err
		}
		if err := q.prop.Flush(ctx); err != nil {
			return time.Time{}, err
		}
	}
}

func (q *Queue) release(guid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.reserved, guid)
}

// OnNewMessage notifies every live cursor that seq is available.
func (q *Queue) OnNewMessage(ctx context.Context, seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliverLocked(ctx, seq)
}

// ListMessages returns the messages currently in the app's virtual storage.
// Unauthorized apps have none.
func (q *Queue) ListMessages(ctx context.Context, appID string) ([]*types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	app, ok := q.registry.Get(appID)
	if !ok {
		return nil, types.ErrAppNotFound
	}
	vs, ok := storageOf(app.state)
	if !ok || !vs.ready() {
		return nil, nil
	}

	var out []*types.Message
	for msg, err := range q.store.RangeFrom(ctx, q.name, vs.start()) {
		if err != nil {
			return nil, err
		}
		if vs.contains(msg.Sequence) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// apply folds a committed entry into the queue.
func (q *Queue) apply(ctx context.Context, e *types.Entry) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.Type == types.EntryAppend && e.Message == nil {
		return 0, fmt.Errorf("append entry for queue %s has no message", q.name)
	}
	if err := q.committed.Apply(e); err != nil {
		return 0, err
	}

	switch e.Type {
	case types.EntryAppend:
		if _, err := q.store.Append(ctx, q.name, e.Message); err != nil {
			return 0, fmt.Errorf("failed to append message: %w", err)
		}
		if q.primary {
			delete(q.reserved, e.Message.GUID)
			q.deliverLocked(ctx, e.Sequence)
		}
		return e.Sequence, nil

	case types.EntryPurge:
		return 0, q.applyPurgeLocked(ctx, e.Sequence)

	case types.EntryRegisterApp:
		if q.primary {
			q.commitRegistrationLocked(ctx, e)
			q.triggerGC()
			return 0, nil
		}
		q.mirrorLocked(e.AppID)

	case types.EntryConfirm, types.EntryUnregisterApp, types.EntryRemoveApp:
		if q.primary {
			q.triggerGC()
			return 0, nil
		}
		q.mirrorLocked(e.AppID)

	case types.EntryCreateApp, types.EntryRestoreApp:
		if !q.primary {
			q.mirrorLocked(e.AppID)
		}
	}
	return 0, nil
}

// commitRegistrationLocked hands the committed edge to the local
// authorization that issued e. Registrations of superseded authorizations
// leave local state alone.
func (q *Queue) commitRegistrationLocked(ctx context.Context, e *types.Entry) {
	rec, ok := q.committed.Apps[e.AppID]
	if !ok || !rec.Registered {
		return
	}
	app, ok := q.registry.Get(e.AppID)
	if !ok {
		return
	}
	vs, ok := storageOf(app.state)
	if !ok || !vs.awaits(e.Token) {
		return
	}
	vs.commit(rec, q.committed.PurgedUpTo)

	if st, ok := app.state.(alive); ok {
		if c, _, ok := q.registry.Cursor(st.cursor); ok {
			c.next = vs.start()
		}
		q.pumpLocked(ctx, app)
	}
}

// mirrorLocked makes a replica's AppState match its committed record.
func (q *Queue) mirrorLocked(appID string) {
	rec, ok := q.committed.Apps[appID]
	if !ok {
		if app, ok := q.registry.Get(appID); ok {
			q.registry.remove(app)
		}
		q.registry.setAuthorization(q.committed.Registered())
		return
	}

	app := q.registry.resolveWithKey(rec.AppID, rec.AppKey)
	if rec.Registered {
		app.state = idle{vs: virtualStorageFrom(rec, q.committed.PurgedUpTo)}
	} else {
		app.state = dormant{}
	}
	q.registry.setAuthorization(q.committed.Registered())
}

// rebuildLocked derives every AppState from the committed record. Open
// handles must already be closed.
func (q *Queue) rebuildLocked() {
	q.registry.reset()

	ids := make([]string, 0, len(q.committed.Apps))
	for id := range q.committed.Apps {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		rec := q.committed.Apps[id]
		app := q.registry.resolveWithKey(rec.AppID, rec.AppKey)
		if rec.Registered {
			app.state = idle{vs: virtualStorageFrom(rec, q.committed.PurgedUpTo)}
		}
	}
	q.registry.setAuthorization(q.committed.Registered())
}

// activate makes this node the queue's primary, with every app resuming
// from its committed confirmation point.
func (q *Queue) activate() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.primary {
		return
	}
	q.primary = true
	q.reserved = make(map[string]struct{})
	q.purgeRequested = q.committed.PurgedUpTo
	q.rebuildLocked()

	q.logger.Info("queue activated",
		slog.Uint64("last_sequence", q.committed.LastSequence),
		slog.Int("apps", len(q.committed.Apps)))
}

// deactivate closes every handle and demotes the queue to a replica.
func (q *Queue) deactivate() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.primary {
		return
	}
	q.closeHandlesLocked()
	q.primary = false
	q.rebuildLocked()

	q.logger.Info("queue deactivated")
}

func (q *Queue) closeHandlesLocked() {
	for _, app := range q.registry.Apps() {
		for _, h := range app.handles {
			if !h.closed.Swap(true) {
				close(h.ch)
			}
		}
		app.handles = nil
		app.outstanding = make(map[string]*delivery)
		app.redeliver = nil
	}
}

// reset drops all committed state before a restore.
func (q *Queue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closeHandlesLocked()
	q.primary = false
	q.reserved = make(map[string]struct{})
	q.purgeRequested = 0
	q.committed = types.NewQueueRecord(q.name)
	q.registry.reset()
}

// restoreCommitted replaces the committed record with ref.
func (q *Queue) restoreCommitted(ref *types.QueueRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.committed = ref.Clone()
	if !q.primary {
		q.rebuildLocked()
	}
}

// deliverLocked runs the new-message notification for seq.
func (q *Queue) deliverLocked(ctx context.Context, seq uint64) {
	for _, app := range q.registry.Apps() {
		st, ok := app.state.(alive)
		if !ok {
			continue
		}
		c, _, ok := q.registry.Cursor(st.cursor)
		if !ok || c.next > seq {
			continue
		}
		q.pumpLocked(ctx, app)
	}
}

// pumpLocked delivers to app's handles while they have credit.
func (q *Queue) pumpLocked(ctx context.Context, app *AppState) {
	st, ok := app.state.(alive)
	if !ok {
		return
	}
	c, owner, ok := q.registry.Cursor(st.cursor)
	if !ok || owner != app {
		q.warn.Warn("skipped delivery to invalidated cursor", slog.String("app_id", app.id))
		return
	}
	if !st.vs.ready() {
		return
	}

	for len(app.redeliver) > 0 {
		seq := app.redeliver[0]
		if !st.vs.contains(seq) {
			app.redeliver = app.redeliver[1:]
			continue
		}
		h := app.nextHandle()
		if h == nil {
			return
		}
		msg, err := q.store.Get(ctx, q.name, seq)
		app.redeliver = app.redeliver[1:]
		if err != nil {
			continue
		}
		q.deliverToLocked(app, h, msg)
	}

	c.next = max(c.next, st.vs.start())
	for msg, err := range q.store.RangeFrom(ctx, q.name, c.next) {
		if err != nil {
			q.warn.Warn("failed to read queue log", slog.String("app_id", app.id), slog.String("error", err.Error()))
			return
		}
		if !st.vs.contains(msg.Sequence) {
			c.next = msg.Sequence + 1
			continue
		}
		h := app.nextHandle()
		if h == nil {
			return
		}
		c.next = msg.Sequence + 1
		q.deliverToLocked(app, h, msg)
	}
}

func (q *Queue) deliverToLocked(app *AppState, h *Handle, msg *types.Message) {
	out := msg.Clone()
	h.inflight++
	app.outstanding[msg.GUID] = &delivery{seq: msg.Sequence, msg: out, handle: h}
	h.ch <- out
	q.metrics.RecordDelivery(q.name, app.id)
}

// nextHandle picks the next handle with credit, round robin.
func (a *AppState) nextHandle() *Handle {
	n := len(a.handles)
	for i := 0; i < n; i++ {
		h := a.handles[(a.rr+i)%n]
		if h.credit() > 0 {
			a.rr = (a.rr + i + 1) % n
			return h
		}
	}
	return nil
}

func (q *Queue) triggerGC() {
	select {
	case q.gcCh <- struct{}{}:
	default:
	}
}

func (q *Queue) gcInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.GCInterval
}

func (q *Queue) run() {
	defer q.wg.Done()

	timer := time.NewTimer(q.gcInterval())
	defer timer.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-timer.C:
			q.collect()
			timer.Reset(q.gcInterval())
		case <-q.gcCh:
			q.collect()
		}
	}
}

func (q *Queue) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := q.CollectGarbage(ctx); err != nil {
		q.warn.Warn("garbage collection failed", slog.String("error", err.Error()))
	}
}

func (q *Queue) stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}
