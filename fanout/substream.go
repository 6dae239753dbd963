// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/google/uuid"
)

// Open opens a handle for appID. An unknown app gets a dormant state and a
// fresh key. Opens by unauthorized apps succeed but never deliver; only
// the open that moves an app out of dormant raises the alarm.
func (q *Queue) Open(ctx context.Context, appID string, opts OpenOptions) (*Handle, OpenStatus, error) {
	if appID == "" {
		return nil, OpenUnauthorized, fmt.Errorf("%w: empty app id", types.ErrAppNotFound)
	}

	q.mu.Lock()
	if !q.primary {
		q.mu.Unlock()
		return nil, OpenUnauthorized, types.ErrNotPrimary
	}

	app, created := q.registry.Resolve(appID)

	maxUnconfirmed := opts.MaxUnconfirmed
	if maxUnconfirmed <= 0 {
		maxUnconfirmed = q.cfg.MaxUnconfirmed
	}
	id := opts.HandleID
	if id == "" {
		id = uuid.NewString()
	}
	h := &Handle{
		id:             id,
		appID:          appID,
		queue:          q,
		ch:             make(chan *types.Message, maxUnconfirmed),
		maxUnconfirmed: maxUnconfirmed,
	}
	app.handles = append(app.handles, h)

	var status OpenStatus
	switch st := app.state.(type) {
	case dormant:
		app.state = unauthorizedOpen{cursor: q.registry.cursors.acquire(app.ref, 0)}
		status = OpenUnauthorizedAlarm
	case unauthorizedOpen:
		status = OpenUnauthorized
	case idle:
		app.state = alive{vs: st.vs, cursor: q.registry.cursors.acquire(app.ref, st.vs.start())}
		status = OpenAlive
	case alive:
		status = OpenAlive
	}
	if status == OpenAlive {
		q.pumpLocked(ctx, app)
	}

	var create *types.Entry
	if created {
		create = types.CreateAppEntry(q.name, appID, app.key)
	}
	q.mu.Unlock()

	if create != nil {
		q.prop.Submit(create)
	}

	q.metrics.RecordOpen(q.name, appID, status == OpenAlive)
	if status == OpenUnauthorizedAlarm {
		q.metrics.RecordAlarm(q.name, appID)
		q.alarmer.UnauthorizedApp(ctx, q.name, appID)
	}

	q.logger.Debug("substream opened",
		slog.String("app_id", appID),
		slog.String("handle", id),
		slog.String("status", status.String()))

	return h, status, nil
}

// Close releases h. Messages delivered to h and not confirmed are handed to
// the app's remaining handles.
func (q *Queue) Close(ctx context.Context, h *Handle) error {
	q.mu.Lock()
	if h.closed.Swap(true) {
		q.mu.Unlock()
		return types.ErrHandleClosed
	}

	if app, ok := q.registry.Get(h.appID); ok {
		if i := slices.Index(app.handles, h); i >= 0 {
			app.handles = slices.Delete(app.handles, i, i+1)
		}
		if app.rr >= len(app.handles) {
			app.rr = 0
		}

		_, authorized := storageOf(app.state)
		for guid, d := range app.outstanding {
			if d.handle != h {
				continue
			}
			delete(app.outstanding, guid)
			if authorized && len(app.handles) > 0 {
				app.redeliver = append(app.redeliver, d.seq)
			}
		}
		slices.Sort(app.redeliver)

		switch st := app.state.(type) {
		case alive:
			if len(app.handles) == 0 {
				q.registry.cursors.release(st.cursor)
				app.state = idle{vs: st.vs}
				app.redeliver = nil
			} else {
				q.pumpLocked(ctx, app)
			}
		case unauthorizedOpen:
			if len(app.handles) == 0 {
				q.registry.cursors.release(st.cursor)
				app.state = dormant{}
			}
		}
	}
	close(h.ch)
	q.mu.Unlock()

	q.metrics.RecordClose(q.name, h.appID)
	return nil
}

// Confirm confirms messages delivered to any handle of appID.
func (q *Queue) Confirm(ctx context.Context, appID string, sel types.ConfirmSelector) error {
	return q.confirm(ctx, appID, sel, nil)
}

func (q *Queue) confirm(ctx context.Context, appID string, sel types.ConfirmSelector, h *Handle) error {
	q.mu.Lock()
	app, ok := q.registry.Get(appID)
	if !ok {
		q.mu.Unlock()
		return types.ErrAppNotFound
	}

	selected := selectDeliveries(app, sel, h)
	if len(selected) == 0 {
		q.mu.Unlock()
		if sel.GUID != "" {
			return fmt.Errorf("%w: %s", types.ErrMessageNotFound, sel.GUID)
		}
		return types.ErrMessageNotFound
	}

	vs, authorized := storageOf(app.state)
	advanced := false
	for _, d := range selected {
		delete(app.outstanding, d.msg.GUID)
		d.handle.inflight--
		if authorized && vs.confirm(d.seq) {
			advanced = true
		}
	}

	var e *types.Entry
	if advanced {
		e = types.ConfirmEntry(q.name, appID, vs.confirmedUpTo)
	}
	q.pumpLocked(ctx, app)
	q.mu.Unlock()

	if e != nil {
		q.prop.Submit(e)
	}
	q.metrics.RecordConfirm(q.name, appID, len(selected))
	return nil
}

func selectDeliveries(app *AppState, sel types.ConfirmSelector, h *Handle) []*delivery {
	if sel.GUID != "" {
		d, ok := app.outstanding[sel.GUID]
		if !ok || (h != nil && d.handle != h) {
			return nil
		}
		return []*delivery{d}
	}
	if !sel.All && sel.Count <= 0 {
		return nil
	}

	var out []*delivery
	for _, d := range app.outstanding {
		if h == nil || d.handle == h {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	if !sel.All && len(out) > sel.Count {
		out = out[:sel.Count]
	}
	return out
}

// ApplyAuthorizationSet replaces the queue's authorized app ids and moves
// every affected app to its new state. Replicas only record the set; their
// states follow the replicated log.
func (q *Queue) ApplyAuthorizationSet(ctx context.Context, ids []string) (Diff, error) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	q.mu.Lock()
	q.cfg.AppIDs = slices.Clone(ids)
	if !q.primary {
		q.mu.Unlock()
		return Diff{}, nil
	}

	d := q.registry.setAuthorization(ids)
	var creates []*types.Entry
	regs := make(map[string]Registration, len(d.Added))
	for _, id := range d.Added {
		app, created := q.registry.Resolve(id)
		if created {
			creates = append(creates, types.CreateAppEntry(q.name, id, app.key))
		}
		regs[id] = Registration{Key: app.key, Token: q.authorizeLocked(app)}
	}
	for _, id := range d.Removed {
		if app, ok := q.registry.Get(id); ok {
			q.deauthorizeLocked(app)
		}
	}
	q.mu.Unlock()

	for _, e := range creates {
		q.prop.Submit(e)
	}
	q.publishTransitions(d, regs)
	if !d.Empty() {
		q.triggerGC()
	}
	return d, nil
}

// configure applies a new domain configuration.
func (q *Queue) configure(ctx context.Context, cfg types.DomainConfig) (Diff, error) {
	cfg = cfg.Normalize()
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	return q.ApplyAuthorizationSet(ctx, cfg.AppIDs)
}

// publishTransitions runs under pubMu so registrations reach the log in
// the order the sequencer made them.
func (q *Queue) publishTransitions(d Diff, regs map[string]Registration) {
	if d.Empty() {
		return
	}
	q.prop.PublishTransitions(q.name, d, regs)
	for _, id := range d.Added {
		q.metrics.RecordRegistration(q.name, id, true)
	}
	for _, id := range d.Removed {
		q.metrics.RecordRegistration(q.name, id, false)
	}
}

// authorizeLocked moves app into an authorized state and returns the token
// its RegisterApp entry must carry. The new virtual storage stays empty
// until that registration commits.
func (q *Queue) authorizeLocked(app *AppState) string {
	token := uuid.NewString()
	switch st := app.state.(type) {
	case dormant:
		app.state = idle{vs: pendingVirtualStorage(token)}
	case unauthorizedOpen:
		q.registry.cursors.release(st.cursor)
		app.state = alive{
			vs:     pendingVirtualStorage(token),
			cursor: q.registry.cursors.acquire(app.ref, 0),
		}
	}
	return token
}

// deauthorizeLocked drops app's virtual storage. Open handles stay open
// with a parked cursor; their outstanding deliveries can still be
// confirmed.
func (q *Queue) deauthorizeLocked(app *AppState) {
	switch st := app.state.(type) {
	case idle:
		app.state = dormant{}
	case alive:
		q.registry.cursors.release(st.cursor)
		app.state = unauthorizedOpen{cursor: q.registry.cursors.acquire(app.ref, 0)}
		app.redeliver = nil
	}
}

// Unregister destroys all state of appID. It fails with ErrInUse while
// handles are open.
func (q *Queue) Unregister(ctx context.Context, appID string) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	q.mu.Lock()
	if !q.primary {
		q.mu.Unlock()
		return types.ErrNotPrimary
	}
	app, ok := q.registry.Get(appID)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrAppNotFound, appID)
	}
	if app.RefCount() > 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: app %s has %d open handles", types.ErrInUse, appID, app.RefCount())
	}

	var d Diff
	if auth := q.registry.Authorization(); auth.Contains(appID) {
		ids := slices.DeleteFunc(auth.IDs(), func(id string) bool { return id == appID })
		d = q.registry.setAuthorization(ids)
		q.deauthorizeLocked(app)
	}
	q.registry.remove(app)
	q.mu.Unlock()

	q.publishTransitions(d, nil)
	q.prop.Submit(types.RemoveAppEntry(q.name, appID))
	q.triggerGC()

	q.logger.Info("app unregistered", slog.String("app_id", appID))
	return nil
}
