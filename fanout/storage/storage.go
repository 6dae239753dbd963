// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the physical message log and the local entry
// journal used by the fan-out engine.
package storage

import (
	"context"
	"errors"
	"iter"

	"github.com/absmach/fanoutmq/fanout/types"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrClosed          = errors.New("storage closed")
)

// MessageLog is the append-only physical log of every queue. Sequences
// start at 1 and are contiguous.
type MessageLog interface {
	// Append stores msg and returns its sequence. A zero msg.Sequence is
	// assigned the tail. A sequence below the tail is already stored (or
	// purged) and is acknowledged without writing.
	Append(ctx context.Context, queue string, msg *types.Message) (uint64, error)

	// Get returns the retained message at seq.
	Get(ctx context.Context, queue string, seq uint64) (*types.Message, error)

	// RangeFrom lazily yields retained messages with sequence >= seq in order.
	// Calling it again restarts the walk.
	RangeFrom(ctx context.Context, queue string, seq uint64) iter.Seq2[*types.Message, error]

	// Purge removes every message with sequence <= upTo and returns how
	// many were removed.
	Purge(ctx context.Context, queue string, upTo uint64) (int, error)

	// Head returns the first retained sequence, or Tail when empty.
	Head(ctx context.Context, queue string) (uint64, error)

	// Tail returns the next sequence to assign.
	Tail(ctx context.Context, queue string) (uint64, error)

	// Count returns the number of retained messages.
	Count(ctx context.Context, queue string) (int64, error)

	DeleteQueue(ctx context.Context, queue string) error
	Close() error
}

// Journal persists replicated entries for a single-node log.
type Journal interface {
	Append(ctx context.Context, e *types.Entry) error
	Entries(ctx context.Context) ([]*types.Entry, error)
	// Replace atomically swaps the journal content, used after compaction.
	Replace(ctx context.Context, entries []*types.Entry) error
	LastIndex(ctx context.Context) (uint64, error)
	Close() error
}
