// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *badger.DB {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLogStoreIndexes(t *testing.T) {
	store := NewLogStore(setupTestDB(t), "n1")

	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	var logs []*raft.Log
	for i := uint64(3); i <= 7; i++ {
		logs = append(logs, &raft.Log{Index: i, Term: 1, Type: raft.LogCommand, Data: []byte{byte(i)}})
	}
	require.NoError(t, store.StoreLogs(logs))

	first, err = store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)
	last, err = store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)
}

func TestLogStoreGetAndDelete(t *testing.T) {
	db := setupTestDB(t)
	store := NewLogStore(db, "n1")
	other := NewLogStore(db, "n2")

	require.NoError(t, store.StoreLog(&raft.Log{Index: 1, Term: 2, Type: raft.LogCommand, Data: []byte("a")}))
	require.NoError(t, store.StoreLog(&raft.Log{Index: 2, Term: 2, Type: raft.LogCommand, Data: []byte("b")}))
	require.NoError(t, other.StoreLog(&raft.Log{Index: 9, Term: 1, Type: raft.LogCommand}))

	var got raft.Log
	require.NoError(t, store.GetLog(2, &got))
	assert.Equal(t, uint64(2), got.Term)
	assert.Equal(t, []byte("b"), got.Data)

	assert.ErrorIs(t, store.GetLog(9, &got), raft.ErrLogNotFound)

	require.NoError(t, store.DeleteRange(1, 1))
	assert.ErrorIs(t, store.GetLog(1, &got), raft.ErrLogNotFound)
	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first)

	last, err := other.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), last)
}

func TestStableStore(t *testing.T) {
	store := NewStableStore(setupTestDB(t), "n1")

	_, err := store.Get([]byte("CurrentTerm"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.EqualError(t, err, "not found")

	v, err := store.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, store.SetUint64([]byte("CurrentTerm"), 42))
	v, err = store.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	require.NoError(t, store.Set([]byte("LastVoteCand"), []byte("n2")))
	val, err := store.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	assert.Equal(t, []byte("n2"), val)

	require.NoError(t, store.Set([]byte("bad"), []byte{1}))
	_, err = store.GetUint64([]byte("bad"))
	assert.Error(t, err)
}
