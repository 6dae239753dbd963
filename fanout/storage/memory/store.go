// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides in-memory implementations of the message log and
// the entry journal.
package memory

import (
	"context"
	"iter"
	"sync"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
)

var _ storage.MessageLog = (*Store)(nil)

// Store is an in-memory message log.
type Store struct {
	queues sync.Map // map[string]*queueLog
	closed bool
	mu     sync.RWMutex
	config Config
}

// queueLog holds retained messages of one queue. messages[i] has sequence head+i.
type queueLog struct {
	messages []*types.Message
	head     uint64
	tail     uint64
	mu       sync.RWMutex
}

// Config defines configuration for the memory store.
type Config struct {
	InitialCapacity int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		InitialCapacity: 1024,
	}
}

// New creates a memory store with default configuration.
func New() *Store {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a memory store with custom configuration.
func NewWithConfig(cfg Config) *Store {
	return &Store{config: cfg}
}

func (s *Store) queue(name string) (*queueLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	val, ok := s.queues.Load(name)
	if !ok {
		val, _ = s.queues.LoadOrStore(name, &queueLog{
			messages: make([]*types.Message, 0, s.config.InitialCapacity),
			head:     1,
			tail:     1,
		})
	}
	return val.(*queueLog), nil
}

// Append stores msg at its sequence, or at the tail when unset.
func (s *Store) Append(ctx context.Context, queue string, msg *types.Message) (uint64, error) {
	ql, err := s.queue(queue)
	if err != nil {
		return 0, err
	}

	ql.mu.Lock()
	defer ql.mu.Unlock()

	seq := msg.Sequence
	if seq == 0 {
		seq = ql.tail
	}
	if seq < ql.tail {
		return seq, nil
	}
	if seq > ql.tail {
		// Gap after a purge replayed from a compacted log.
		ql.messages = ql.messages[:0]
		ql.head = seq
	}

	stored := msg.Clone()
	stored.Sequence = seq
	ql.messages = append(ql.messages, stored)
	ql.tail = seq + 1

	return seq, nil
}

// Get returns the retained message at seq.
func (s *Store) Get(ctx context.Context, queue string, seq uint64) (*types.Message, error) {
	ql, err := s.queue(queue)
	if err != nil {
		return nil, err
	}

	ql.mu.RLock()
	defer ql.mu.RUnlock()

	if seq < ql.head || seq >= ql.tail {
		return nil, storage.ErrMessageNotFound
	}
	return ql.messages[seq-ql.head], nil
}

// RangeFrom yields retained messages from seq. Each step re-reads under the
// queue lock, so concurrent purges are observed.
func (s *Store) RangeFrom(ctx context.Context, queue string, seq uint64) iter.Seq2[*types.Message, error] {
	return func(yield func(*types.Message, error) bool) {
		ql, err := s.queue(queue)
		if err != nil {
			yield(nil, err)
			return
		}
		next := seq
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			ql.mu.RLock()
			if next < ql.head {
				next = ql.head
			}
			if next >= ql.tail {
				ql.mu.RUnlock()
				return
			}
			msg := ql.messages[next-ql.head]
			ql.mu.RUnlock()

			if !yield(msg, nil) {
				return
			}
			next++
		}
	}
}

// Purge drops messages up to and including upTo.
func (s *Store) Purge(ctx context.Context, queue string, upTo uint64) (int, error) {
	ql, err := s.queue(queue)
	if err != nil {
		return 0, err
	}

	ql.mu.Lock()
	defer ql.mu.Unlock()

	if upTo < ql.head {
		return 0, nil
	}
	if upTo >= ql.tail {
		n := len(ql.messages)
		ql.messages = ql.messages[:0]
		ql.head = upTo + 1
		ql.tail = upTo + 1
		return n, nil
	}

	n := int(upTo - ql.head + 1)
	remaining := make([]*types.Message, len(ql.messages)-n, cap(ql.messages))
	copy(remaining, ql.messages[n:])
	ql.messages = remaining
	ql.head = upTo + 1

	return n, nil
}

// Head returns the first retained sequence.
func (s *Store) Head(ctx context.Context, queue string) (uint64, error) {
	ql, err := s.queue(queue)
	if err != nil {
		return 0, err
	}
	ql.mu.RLock()
	defer ql.mu.RUnlock()
	return ql.head, nil
}

// Tail returns the next sequence to assign.
func (s *Store) Tail(ctx context.Context, queue string) (uint64, error) {
	ql, err := s.queue(queue)
	if err != nil {
		return 0, err
	}
	ql.mu.RLock()
	defer ql.mu.RUnlock()
	return ql.tail, nil
}

// Count returns the number of retained messages.
func (s *Store) Count(ctx context.Context, queue string) (int64, error) {
	ql, err := s.queue(queue)
	if err != nil {
		return 0, err
	}
	ql.mu.RLock()
	defer ql.mu.RUnlock()
	return int64(len(ql.messages)), nil
}

// DeleteQueue removes a queue and its messages.
func (s *Store) DeleteQueue(ctx context.Context, queue string) error {
	s.queues.Delete(queue)
	return nil
}

// Close releases the store. Further calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queues.Range(func(key, _ any) bool {
		s.queues.Delete(key)
		return true
	})
	return nil
}
