// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
)

var _ storage.Journal = (*Journal)(nil)

// Journal is an in-memory entry journal.
type Journal struct {
	mu      sync.RWMutex
	entries []*types.Entry
	closed  bool
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Append(ctx context.Context, e *types.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return storage.ErrClosed
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *Journal) Entries(ctx context.Context) ([]*types.Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*types.Entry, len(j.entries))
	copy(out, j.entries)
	return out, nil
}

func (j *Journal) Replace(ctx context.Context, entries []*types.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return storage.ErrClosed
	}
	j.entries = append([]*types.Entry(nil), entries...)
	return nil
}

func (j *Journal) LastIndex(ctx context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var last uint64
	for _, e := range j.entries {
		last = max(last, e.Index)
	}
	return last, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
