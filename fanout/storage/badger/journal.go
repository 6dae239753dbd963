// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/dgraph-io/badger/v4"
)

const journalPrefix = "fanout:journal:"

var _ storage.Journal = (*Journal)(nil)

// Journal stores entries keyed by their log index.
type Journal struct {
	db *badger.DB
}

// NewJournal creates a journal on db. The caller owns db.
func NewJournal(db *badger.DB) *Journal {
	return &Journal{db: db}
}

func journalKey(index uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], index)
	return key
}

func (j *Journal) Append(ctx context.Context, e *types.Entry) error {
	if e.Index == 0 {
		return fmt.Errorf("journal entry for queue %s has no index", e.Queue)
	}
	data, err := types.EncodeEntry(e)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(e.Index), data)
	})
}

func (j *Journal) Entries(ctx context.Context) ([]*types.Entry, error) {
	var entries []*types.Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := types.DecodeEntry(val)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Replace drops the journal and writes entries. Entries sharing an index
// (compaction output) are re-keyed in order after the highest index.
func (j *Journal) Replace(ctx context.Context, entries []*types.Entry) error {
	if err := j.db.DropPrefix([]byte(journalPrefix)); err != nil {
		return err
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	var key uint64
	for _, e := range entries {
		key = max(key+1, e.Index)
		data, err := types.EncodeEntry(e)
		if err != nil {
			return err
		}
		if err := wb.Set(journalKey(key), data); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (j *Journal) LastIndex(ctx context.Context) (uint64, error) {
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		endKey := append([]byte(journalPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(endKey)
		if !it.ValidForPrefix([]byte(journalPrefix)) {
			return nil
		}
		last = binary.BigEndian.Uint64(it.Item().Key()[len(journalPrefix):])
		return nil
	})
	return last, err
}

// Close is a no-op; the caller closes the db.
func (j *Journal) Close() error {
	return nil
}
