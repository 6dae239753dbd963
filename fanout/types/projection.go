// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"slices"
	"sort"
)

// AppRecord is the committed state of one app in a queue.
type AppRecord struct {
	AppID      string `json:"app_id"`
	AppKey     AppKey `json:"app_key"`
	Registered bool   `json:"registered"`
	// Edge is the first sequence the app is entitled to. Zero while unregistered.
	Edge          uint64 `json:"edge,omitempty"`
	ConfirmedUpTo uint64 `json:"confirmed_up_to,omitempty"`
}

// QueueRecord is the committed state of one queue, folded from log entries.
type QueueRecord struct {
	Name         string                `json:"name"`
	LastSequence uint64                `json:"last_sequence"`
	PurgedUpTo   uint64                `json:"purged_up_to"`
	Apps         map[string]*AppRecord `json:"apps"`
}

// NewQueueRecord returns an empty record.
func NewQueueRecord(name string) *QueueRecord {
	return &QueueRecord{Name: name, Apps: make(map[string]*AppRecord)}
}

// Apply folds e into the record. Append entries without a sequence are
// stamped with the next sequence, so folding the same entries in the same
// order yields the same record on every node.
func (q *QueueRecord) Apply(e *Entry) error {
	switch e.Type {
	case EntryAppend:
		if e.Sequence == 0 {
			e.Sequence = q.LastSequence + 1
		}
		if e.Message != nil {
			e.Message.Sequence = e.Sequence
		}
		q.LastSequence = max(q.LastSequence, e.Sequence)

	case EntryPurge:
		q.PurgedUpTo = max(q.PurgedUpTo, e.Sequence)
		q.LastSequence = max(q.LastSequence, q.PurgedUpTo)

	case EntryCreateApp:
		q.ensure(e.AppID, e.AppKey)

	case EntryRegisterApp:
		app := q.ensure(e.AppID, e.AppKey)
		if !app.Registered {
			app.Registered = true
			app.Edge = q.LastSequence + 1
			app.ConfirmedUpTo = q.LastSequence
		}

	case EntryUnregisterApp:
		if app, ok := q.Apps[e.AppID]; ok && app.Registered {
			app.Registered = false
			app.Edge = 0
			app.ConfirmedUpTo = 0
		}

	case EntryRemoveApp:
		delete(q.Apps, e.AppID)

	case EntryConfirm:
		app, ok := q.Apps[e.AppID]
		if !ok || !app.Registered {
			return nil
		}
		upTo := min(e.Sequence, q.LastSequence)
		if upTo > app.ConfirmedUpTo {
			app.ConfirmedUpTo = upTo
		}

	case EntryRestoreApp:
		if e.App == nil {
			return fmt.Errorf("restore entry for queue %s has no app", q.Name)
		}
		rec := *e.App
		q.Apps[rec.AppID] = &rec

	default:
		return fmt.Errorf("%w: %d", ErrUnknownEntry, e.Type)
	}
	return nil
}

func (q *QueueRecord) ensure(appID string, key AppKey) *AppRecord {
	app, ok := q.Apps[appID]
	if !ok {
		app = &AppRecord{AppID: appID, AppKey: key}
		q.Apps[appID] = app
	}
	if app.AppKey == "" {
		app.AppKey = key
	}
	return app
}

// Registered returns the sorted ids of registered apps.
func (q *QueueRecord) Registered() []string {
	var ids []string
	for id, app := range q.Apps {
		if app.Registered {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the record.
func (q *QueueRecord) Clone() *QueueRecord {
	c := &QueueRecord{
		Name:         q.Name,
		LastSequence: q.LastSequence,
		PurgedUpTo:   q.PurgedUpTo,
		Apps:         make(map[string]*AppRecord, len(q.Apps)),
	}
	for id, app := range q.Apps {
		a := *app
		c.Apps[id] = &a
	}
	return c
}

// RecordDiff lists app records that differ between a record and its reference.
type RecordDiff struct {
	Extra     []string
	Missing   []string
	Incorrect []string
}

// Empty reports whether both records agree.
func (d RecordDiff) Empty() bool {
	return len(d.Extra) == 0 && len(d.Missing) == 0 && len(d.Incorrect) == 0
}

func (d RecordDiff) String() string {
	return fmt.Sprintf("extra=%v missing=%v incorrect=%v", d.Extra, d.Missing, d.Incorrect)
}

// Diff compares q against the reference ref app by app.
func (q *QueueRecord) Diff(ref *QueueRecord) RecordDiff {
	var d RecordDiff
	for id, app := range q.Apps {
		want, ok := ref.Apps[id]
		switch {
		case !ok:
			d.Extra = append(d.Extra, id)
		case *app != *want:
			d.Incorrect = append(d.Incorrect, id)
		}
	}
	for id := range ref.Apps {
		if _, ok := q.Apps[id]; !ok {
			d.Missing = append(d.Missing, id)
		}
	}
	sort.Strings(d.Extra)
	sort.Strings(d.Missing)
	sort.Strings(d.Incorrect)
	return d
}

// Projection is the fold of the whole log across queues.
type Projection struct {
	Queues       map[string]*QueueRecord
	AppliedIndex uint64
}

// NewProjection returns an empty projection.
func NewProjection() *Projection {
	return &Projection{Queues: make(map[string]*QueueRecord)}
}

// Queue returns the record for name, creating it if needed.
func (p *Projection) Queue(name string) *QueueRecord {
	q, ok := p.Queues[name]
	if !ok {
		q = NewQueueRecord(name)
		p.Queues[name] = q
	}
	return q
}

// Apply folds e into the projection.
func (p *Projection) Apply(e *Entry) error {
	if err := p.Queue(e.Queue).Apply(e); err != nil {
		return err
	}
	p.AppliedIndex = max(p.AppliedIndex, e.Index)
	return nil
}

// Fold builds a projection from an ordered entry list.
func Fold(entries []*Entry) (*Projection, error) {
	p := NewProjection()
	for _, e := range entries {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Compact returns a shorter entry list that folds to the same projection:
// a purge mark, the retained appends and one restore entry per app, per queue.
func Compact(entries []*Entry) ([]*Entry, error) {
	p := NewProjection()
	appends := make(map[string][]*Entry)
	for _, e := range entries {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
		if e.Type == EntryAppend {
			appends[e.Queue] = append(appends[e.Queue], e)
		}
	}

	names := make([]string, 0, len(p.Queues))
	for name := range p.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*Entry
	for _, name := range names {
		q := p.Queues[name]
		if q.PurgedUpTo > 0 {
			e := newEntry(EntryPurge, name)
			e.Sequence = q.PurgedUpTo
			e.Index = p.AppliedIndex
			out = append(out, e)
		}
		for _, e := range appends[name] {
			if e.Sequence > q.PurgedUpTo {
				out = append(out, e)
			}
		}
		ids := make([]string, 0, len(q.Apps))
		for id := range q.Apps {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			rec := *q.Apps[id]
			e := newEntry(EntryRestoreApp, name)
			e.AppID = id
			e.App = &rec
			e.Index = p.AppliedIndex
			out = append(out, e)
		}
	}
	return out, nil
}
