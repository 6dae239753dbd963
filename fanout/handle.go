// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/absmach/fanoutmq/fanout/types"
)

// OpenStatus is the outcome of opening a substream.
type OpenStatus uint8

const (
	// OpenAlive: the app is authorized and the handle receives messages.
	OpenAlive OpenStatus = iota
	// OpenUnauthorized: the app is not authorized; another handle already raised the alarm.
	OpenUnauthorized
	// OpenUnauthorizedAlarm: the app is not authorized and this open raised the alarm.
	OpenUnauthorizedAlarm
)

func (s OpenStatus) String() string {
	switch s {
	case OpenAlive:
		return "alive"
	case OpenUnauthorized:
		return "unauthorized"
	case OpenUnauthorizedAlarm:
		return "unauthorized_alarm"
	default:
		return "unknown"
	}
}

// OpenOptions tunes a new handle.
type OpenOptions struct {
	// HandleID identifies the handle; a UUID is generated when empty.
	HandleID string
	// MaxUnconfirmed caps deliveries awaiting confirmation. Zero uses the
	// domain's default.
	MaxUnconfirmed int
}

// Handle is one open reader of an app substream. Messages arrive on the
// channel returned by Messages; the channel is closed with the handle.
type Handle struct {
	id             string
	appID          string
	queue          *Queue
	ch             chan *types.Message
	maxUnconfirmed int

	// guarded by queue.mu
	inflight int
	closed   atomic.Bool
}

func (h *Handle) ID() string    { return h.id }
func (h *Handle) AppID() string { return h.appID }
func (h *Handle) Queue() string { return h.queue.name }

// Messages returns the delivery channel.
func (h *Handle) Messages() <-chan *types.Message {
	return h.ch
}

// Confirm confirms messages delivered to this handle.
func (h *Handle) Confirm(ctx context.Context, sel types.ConfirmSelector) error {
	if h.closed.Load() {
		return types.ErrHandleClosed
	}
	return h.queue.confirm(ctx, h.appID, sel, h)
}

// Close releases the handle.
func (h *Handle) Close(ctx context.Context) error {
	return h.queue.Close(ctx, h)
}

// Pending returns messages delivered to this handle and not yet confirmed,
// in sequence order.
func (h *Handle) Pending() []*types.Message {
	q := h.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	app, ok := q.registry.Get(h.appID)
	if !ok {
		return nil
	}
	var out []*types.Message
	for _, d := range app.outstanding {
		if d.handle == h {
			out = append(out, d.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// credit is bounded by the channel too, since confirming by GUID does not
// require reading the message first.
func (h *Handle) credit() int {
	return min(h.maxUnconfirmed-h.inflight, cap(h.ch)-len(h.ch))
}
