// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// ErrKeyNotFound is returned when a key is not found in the stable store.
// Raft compares the message against "not found".
var ErrKeyNotFound = errors.New("not found")

var (
	_ raft.LogStore    = (*LogStore)(nil)
	_ raft.StableStore = (*StableStore)(nil)
)

// LogStore implements raft.LogStore on BadgerDB. Keys are the prefix
// followed by the big-endian index, so iteration order is log order.
type LogStore struct {
	db     *badger.DB
	prefix []byte
}

// NewLogStore creates a log store whose keys live under "raft:log:<node>:".
func NewLogStore(db *badger.DB, nodeID string) *LogStore {
	return &LogStore{
		db:     db,
		prefix: []byte(fmt.Sprintf("raft:log:%s:", nodeID)),
	}
}

// FirstIndex returns the index of the first log entry, or 0 when empty.
func (s *LogStore) FirstIndex() (uint64, error) {
	return s.edge(false)
}

// LastIndex returns the index of the last log entry, or 0 when empty.
func (s *LogStore) LastIndex() (uint64, error) {
	return s.edge(true)
}

func (s *LogStore) edge(last bool) (uint64, error) {
	var index uint64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = last
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := s.prefix
		if last {
			seek = append(append([]byte{}, s.prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		}
		it.Seek(seek)
		if !it.ValidForPrefix(s.prefix) {
			return nil
		}
		index = s.decodeKey(it.Item().Key())
		return nil
	})

	return index, err
}

// GetLog retrieves the log entry at index.
func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.encodeKey(index))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return raft.ErrLogNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, log)
		})
	})
}

// StoreLog stores a single log entry.
func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores multiple log entries in one write batch.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, log := range logs {
		val, err := json.Marshal(log)
		if err != nil {
			return err
		}
		if err := wb.Set(s.encodeKey(log.Index), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeleteRange deletes log entries from min to max inclusive.
func (s *LogStore) DeleteRange(min, max uint64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for idx := min; idx <= max; idx++ {
		if err := wb.Delete(s.encodeKey(idx)); err != nil {
			return err
		}
		if idx == ^uint64(0) {
			break
		}
	}
	return wb.Flush()
}

func (s *LogStore) encodeKey(index uint64) []byte {
	key := make([]byte, len(s.prefix)+8)
	copy(key, s.prefix)
	binary.BigEndian.PutUint64(key[len(s.prefix):], index)
	return key
}

func (s *LogStore) decodeKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(s.prefix):])
}

// StableStore implements raft.StableStore on BadgerDB. It holds the
// current term and the last vote.
type StableStore struct {
	db     *badger.DB
	prefix string
}

// NewStableStore creates a stable store whose keys live under
// "raft:stable:<node>:".
func NewStableStore(db *badger.DB, nodeID string) *StableStore {
	return &StableStore{
		db:     db,
		prefix: fmt.Sprintf("raft:stable:%s:", nodeID),
	}
}

func (s *StableStore) Set(key []byte, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), val)
	})
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (s *StableStore) Get(key []byte) ([]byte, error) {
	var val []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})

	return val, err
}

func (s *StableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

// GetUint64 returns the uint64 stored under key, or 0 if none was stored.
func (s *StableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *StableStore) key(key []byte) []byte {
	return append([]byte(s.prefix), key...)
}
