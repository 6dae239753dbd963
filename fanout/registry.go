// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"slices"
	"sort"
	"sync/atomic"

	"github.com/absmach/fanoutmq/fanout/types"
)

// AuthorizationSet is an immutable, versioned snapshot of the authorized
// app ids of a queue.
type AuthorizationSet struct {
	version uint64
	ids     []string
	index   map[string]struct{}
}

func newAuthorizationSet(version uint64, ids []string) *AuthorizationSet {
	s := &AuthorizationSet{
		version: version,
		ids:     make([]string, 0, len(ids)),
		index:   make(map[string]struct{}, len(ids)),
	}
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			continue
		}
		s.index[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
	return s
}

func (s *AuthorizationSet) Version() uint64 { return s.version }

func (s *AuthorizationSet) Contains(appID string) bool {
	_, ok := s.index[appID]
	return ok
}

// IDs returns the sorted authorized ids.
func (s *AuthorizationSet) IDs() []string {
	return slices.Clone(s.ids)
}

func (s *AuthorizationSet) Len() int { return len(s.ids) }

// Diff is the result of replacing an AuthorizationSet.
type Diff struct {
	Added   []string
	Removed []string
	Version uint64
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// AppState is the per-app record of a queue.
type AppState struct {
	ref   AppRef
	id    string
	key   types.AppKey
	state substreamState

	handles     []*Handle
	outstanding map[string]*delivery
	redeliver   []uint64
	rr          int
}

// delivery is a message handed to a handle and not yet confirmed.
type delivery struct {
	seq    uint64
	msg    *types.Message
	handle *Handle
}

func (a *AppState) ID() string           { return a.id }
func (a *AppState) Key() types.AppKey    { return a.key }
func (a *AppState) Status() types.Status { return a.state.status() }
func (a *AppState) RefCount() int        { return len(a.handles) }

type appSlot struct {
	gen uint64
	app *AppState
}

// Registry owns every AppState of a queue and the cursors pointing into
// the queue's log. Mutations happen under the owning queue's sequencer;
// the authorization snapshot can be read without it.
type Registry struct {
	apps    []appSlot
	index   map[string]int
	free    []int
	cursors cursorArena
	auth    atomic.Pointer[AuthorizationSet]
}

func newRegistry() *Registry {
	r := &Registry{index: make(map[string]int)}
	r.auth.Store(newAuthorizationSet(0, nil))
	return r
}

// Authorization returns the current snapshot.
func (r *Registry) Authorization() *AuthorizationSet {
	return r.auth.Load()
}

// setAuthorization replaces the snapshot and returns the difference.
func (r *Registry) setAuthorization(ids []string) Diff {
	old := r.auth.Load()
	next := newAuthorizationSet(old.version+1, ids)

	var d Diff
	for _, id := range next.ids {
		if !old.Contains(id) {
			d.Added = append(d.Added, id)
		}
	}
	for _, id := range old.ids {
		if !next.Contains(id) {
			d.Removed = append(d.Removed, id)
		}
	}
	if d.Empty() {
		d.Version = old.version
		return d
	}
	r.auth.Store(next)
	d.Version = next.version
	return d
}

// Get returns the AppState of appID.
func (r *Registry) Get(appID string) (*AppState, bool) {
	idx, ok := r.index[appID]
	if !ok {
		return nil, false
	}
	return r.apps[idx].app, true
}

// App resolves a ref, failing when the slot was reused.
func (r *Registry) App(ref AppRef) (*AppState, bool) {
	if ref.slot < 0 || ref.slot >= len(r.apps) {
		return nil, false
	}
	s := r.apps[ref.slot]
	if s.app == nil || s.gen != ref.gen {
		return nil, false
	}
	return s.app, true
}

// Resolve returns the AppState of appID, creating a dormant one with a
// fresh key when unknown.
func (r *Registry) Resolve(appID string) (*AppState, bool) {
	if app, ok := r.Get(appID); ok {
		return app, false
	}
	return r.insert(appID, types.NewAppKey(appID, r.keyTaken)), true
}

// resolveWithKey is Resolve for replicated state, where the key is known.
func (r *Registry) resolveWithKey(appID string, key types.AppKey) *AppState {
	if app, ok := r.Get(appID); ok {
		if app.key == "" {
			app.key = key
		}
		return app
	}
	if key == "" {
		key = types.NewAppKey(appID, r.keyTaken)
	}
	return r.insert(appID, key)
}

func (r *Registry) insert(appID string, key types.AppKey) *AppState {
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.apps = append(r.apps, appSlot{})
		idx = len(r.apps) - 1
	}
	s := &r.apps[idx]
	s.gen++
	app := &AppState{
		ref:         AppRef{slot: idx, gen: s.gen},
		id:          appID,
		key:         key,
		state:       dormant{},
		outstanding: make(map[string]*delivery),
	}
	s.app = app
	r.index[appID] = idx
	return app
}

func (r *Registry) keyTaken(key types.AppKey) bool {
	for _, s := range r.apps {
		if s.app != nil && s.app.key == key {
			return true
		}
	}
	return false
}

// Unregister destroys the state of appID. It fails with ErrInUse while
// handles are open.
func (r *Registry) Unregister(appID string) error {
	app, ok := r.Get(appID)
	if !ok {
		return types.ErrAppNotFound
	}
	if app.RefCount() > 0 {
		return types.ErrInUse
	}
	r.remove(app)
	return nil
}

func (r *Registry) remove(app *AppState) {
	if ref, ok := cursorOf(app.state); ok {
		r.cursors.release(ref)
	}
	idx := app.ref.slot
	r.apps[idx] = appSlot{gen: r.apps[idx].gen + 1}
	r.free = append(r.free, idx)
	delete(r.index, app.id)
}

// Apps returns every AppState sorted by id.
func (r *Registry) Apps() []*AppState {
	apps := make([]*AppState, 0, len(r.index))
	for _, idx := range r.index {
		apps = append(apps, r.apps[idx].app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].id < apps[j].id })
	return apps
}

// Cursor resolves ref and its owning app. It fails for released cursors
// and for cursors whose app slot was reused.
func (r *Registry) Cursor(ref IteratorRef) (*cursor, *AppState, bool) {
	c, ok := r.cursors.get(ref)
	if !ok {
		return nil, nil, false
	}
	app, ok := r.App(c.app)
	if !ok {
		return nil, nil, false
	}
	return c, app, true
}

// LiveCursors returns the number of allocated cursors.
func (r *Registry) LiveCursors() int {
	return r.cursors.live
}

// VirtualStorages returns the number of apps holding a virtual storage.
func (r *Registry) VirtualStorages() int {
	n := 0
	for _, idx := range r.index {
		if r.apps[idx].app.Status().Authorized() {
			n++
		}
	}
	return n
}

func (r *Registry) reset() {
	r.apps = nil
	r.free = nil
	r.index = make(map[string]int)
	r.cursors = cursorArena{}
	r.auth.Store(newAuthorizationSet(r.auth.Load().version+1, nil))
}
