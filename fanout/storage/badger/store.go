// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides BadgerDB implementations of the message log and
// the entry journal.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/dgraph-io/badger/v4"
)

const (
	messagePrefix = "fanout:msg:"
	headPrefix    = "fanout:head:"
	tailPrefix    = "fanout:tail:"
)

var _ storage.MessageLog = (*Store)(nil)

// Config holds BadgerDB settings.
type Config struct {
	Dir        string
	SyncWrites bool
	InMemory   bool
}

// Open opens a BadgerDB with logging disabled.
func Open(cfg Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return db, nil
}

// Store is a BadgerDB message log. Retained messages are contiguous between
// head and tail, so the count is derived from them.
type Store struct {
	db *badger.DB
}

// New creates a store on db. The caller owns db.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func queueKey(prefix, queue string) []byte {
	return []byte(prefix + queue + "\x00")
}

func messageKey(queue string, seq uint64) []byte {
	p := queueKey(messagePrefix, queue)
	key := make([]byte, len(p)+8)
	copy(key, p)
	binary.BigEndian.PutUint64(key[len(p):], seq)
	return key
}

func decodeSeq(prefix, key []byte) (uint64, bool) {
	if len(key) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}

func getUint64(txn *badger.Txn, key []byte, def uint64) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("invalid uint64 value length: %d", len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func setUint64(txn *badger.Txn, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set(key, buf)
}

func bounds(txn *badger.Txn, queue string) (head, tail uint64, err error) {
	head, err = getUint64(txn, queueKey(headPrefix, queue), 1)
	if err != nil {
		return 0, 0, err
	}
	tail, err = getUint64(txn, queueKey(tailPrefix, queue), 1)
	return head, tail, err
}

// Append stores msg at its sequence, or at the tail when unset.
func (s *Store) Append(ctx context.Context, queue string, msg *types.Message) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		head, tail, err := bounds(txn, queue)
		if err != nil {
			return err
		}

		seq = msg.Sequence
		if seq == 0 {
			seq = tail
		}
		if seq < tail {
			return nil
		}
		if seq > tail {
			for i := head; i < tail; i++ {
				if err := txn.Delete(messageKey(queue, i)); err != nil {
					return err
				}
			}
			if err := setUint64(txn, queueKey(headPrefix, queue), seq); err != nil {
				return err
			}
		}

		stored := msg.Clone()
		stored.Sequence = seq
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(queue, seq), data); err != nil {
			return err
		}
		return setUint64(txn, queueKey(tailPrefix, queue), seq+1)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Get returns the retained message at seq.
func (s *Store) Get(ctx context.Context, queue string, seq uint64) (*types.Message, error) {
	var msg types.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(queue, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// RangeFrom yields retained messages from seq in batches read in separate
// transactions, so a long walk never pins one read snapshot.
func (s *Store) RangeFrom(ctx context.Context, queue string, seq uint64) iter.Seq2[*types.Message, error] {
	const batchSize = 256
	prefix := queueKey(messagePrefix, queue)

	return func(yield func(*types.Message, error) bool) {
		next := seq
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			var batch []*types.Message
			err := s.db.View(func(txn *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.Prefix = prefix
				it := txn.NewIterator(opts)
				defer it.Close()

				for it.Seek(messageKey(queue, next)); it.ValidForPrefix(prefix); it.Next() {
					if _, ok := decodeSeq(prefix, it.Item().Key()); !ok {
						continue
					}
					var msg types.Message
					if err := it.Item().Value(func(val []byte) error {
						return json.Unmarshal(val, &msg)
					}); err != nil {
						return err
					}
					batch = append(batch, &msg)
					if len(batch) == batchSize {
						break
					}
				}
				return nil
			})
			if err != nil {
				yield(nil, err)
				return
			}

			for _, msg := range batch {
				if !yield(msg, nil) {
					return
				}
			}
			if len(batch) < batchSize {
				return
			}
			next = batch[len(batch)-1].Sequence + 1
		}
	}
}

// Purge drops messages up to and including upTo.
func (s *Store) Purge(ctx context.Context, queue string, upTo uint64) (int, error) {
	var n int
	err := s.db.Update(func(txn *badger.Txn) error {
		head, tail, err := bounds(txn, queue)
		if err != nil {
			return err
		}
		if upTo < head {
			return nil
		}
		end := min(upTo+1, tail)
		for i := head; i < end; i++ {
			if err := txn.Delete(messageKey(queue, i)); err != nil {
				return err
			}
			n++
		}
		if upTo >= tail {
			if err := setUint64(txn, queueKey(tailPrefix, queue), upTo+1); err != nil {
				return err
			}
		}
		return setUint64(txn, queueKey(headPrefix, queue), upTo+1)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Head returns the first retained sequence.
func (s *Store) Head(ctx context.Context, queue string) (uint64, error) {
	var head uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, _, err = bounds(txn, queue)
		return err
	})
	return head, err
}

// Tail returns the next sequence to assign.
func (s *Store) Tail(ctx context.Context, queue string) (uint64, error) {
	var tail uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, tail, err = bounds(txn, queue)
		return err
	})
	return tail, err
}

// Count returns the number of retained messages.
func (s *Store) Count(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		head, tail, err := bounds(txn, queue)
		if err != nil {
			return err
		}
		count = int64(tail - head)
		return nil
	})
	return count, err
}

// DeleteQueue removes every key of the queue.
func (s *Store) DeleteQueue(ctx context.Context, queue string) error {
	for _, prefix := range []string{messagePrefix, headPrefix, tailPrefix} {
		if err := s.db.DropPrefix(queueKey(prefix, queue)); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the caller closes the db.
func (s *Store) Close() error {
	return nil
}
