// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queue = "fanout/q1"

func collect(t *testing.T, s *Store, from uint64) []uint64 {
	t.Helper()
	var seqs []uint64
	for msg, err := range s.RangeFrom(context.Background(), queue, from) {
		require.NoError(t, err)
		seqs = append(seqs, msg.Sequence)
	}
	return seqs
}

func TestStoreAppendAssignsSequences(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 1; i <= 3; i++ {
		seq, err := s.Append(ctx, queue, types.NewMessage([]byte("m"), nil))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	count, err := s.Count(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, []uint64{1, 2, 3}, collect(t, s, 0))
	assert.Equal(t, []uint64{2, 3}, collect(t, s, 2))
}

func TestStoreAppendIsIdempotentBelowTail(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg := types.NewMessage([]byte("first"), nil)
	msg.Sequence = 1
	_, err := s.Append(ctx, queue, msg)
	require.NoError(t, err)

	dup := types.NewMessage([]byte("replayed"), nil)
	dup.Sequence = 1
	seq, err := s.Append(ctx, queue, dup)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	got, err := s.Get(ctx, queue, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got.Payload)
}

func TestStorePurge(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, queue, types.NewMessage(nil, nil))
		require.NoError(t, err)
	}

	n, err := s.Purge(ctx, queue, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Idempotent.
	n, err = s.Purge(ctx, queue, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	head, err := s.Head(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), head)
	assert.Equal(t, []uint64{4, 5}, collect(t, s, 1))

	_, err = s.Get(ctx, queue, 2)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	n, err = s.Purge(ctx, queue, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tail, err := s.Tail(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), tail)
}

func TestStoreRangeObservesConcurrentPurge(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, queue, types.NewMessage(nil, nil))
		require.NoError(t, err)
	}

	var seen []uint64
	for msg, err := range s.RangeFrom(ctx, queue, 1) {
		require.NoError(t, err)
		seen = append(seen, msg.Sequence)
		if msg.Sequence == 1 {
			_, err := s.Purge(ctx, queue, 2)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []uint64{1, 3, 4}, seen)
}

func TestStoreAppendAfterGap(t *testing.T) {
	ctx := context.Background()
	s := New()

	msg := types.NewMessage(nil, nil)
	msg.Sequence = 7
	_, err := s.Append(ctx, queue, msg)
	require.NoError(t, err)

	head, err := s.Head(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), head)

	seq, err := s.Append(ctx, queue, types.NewMessage(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq)
}

func TestStoreClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.Append(context.Background(), queue, types.NewMessage(nil, nil))
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	j := NewJournal()

	e1 := types.RegisterAppEntry(queue, "foo", "k1")
	e1.Index = 1
	e2 := types.AppendEntry(queue, types.NewMessage(nil, nil))
	e2.Index = 2
	require.NoError(t, j.Append(ctx, e1))
	require.NoError(t, j.Append(ctx, e2))

	entries, err := j.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	last, err := j.LastIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	require.NoError(t, j.Replace(ctx, entries[:1]))
	entries, err = j.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
