// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "domain/q"

type recordingApplier struct {
	applied  []*types.Entry
	restored []*types.Entry
	restores int
}

func (a *recordingApplier) ApplyEntry(_ context.Context, e *types.Entry) (uint64, error) {
	a.applied = append(a.applied, e)
	return uint64(len(a.applied)), nil
}

func (a *recordingApplier) Restore(_ context.Context, entries []*types.Entry) error {
	a.restores++
	a.restored = entries
	return nil
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { s.closed = true; return nil }

func applyEntry(t *testing.T, f *FSM, index uint64, e *types.Entry) *ApplyResult {
	t.Helper()
	data, err := types.EncodeEntry(e)
	require.NoError(t, err)
	res, ok := f.Apply(&raft.Log{Index: index, Type: raft.LogCommand, Data: data}).(*ApplyResult)
	require.True(t, ok)
	return res
}

func TestFSMBuffersUntilBind(t *testing.T) {
	f := NewFSM(0, nil)

	res := applyEntry(t, f, 1, types.RegisterAppEntry(testQueue, "foo", "k"))
	require.NoError(t, res.Error)
	res = applyEntry(t, f, 2, types.AppendEntry(testQueue, types.NewMessage([]byte("m1"), nil)))
	require.NoError(t, res.Error)
	assert.Equal(t, uint64(1), res.Sequence)

	res = applyEntry(t, f, 3, &types.Entry{Type: types.EntryAppend})
	assert.ErrorIs(t, res.Error, types.ErrUnknownEntry)
	assert.Len(t, f.Entries(), 2)
	assert.Equal(t, uint64(3), f.AppliedIndex())

	res, ok := f.Apply(&raft.Log{Index: 4, Data: []byte("{")}).(*ApplyResult)
	require.True(t, ok)
	assert.Error(t, res.Error)

	a := &recordingApplier{}
	require.NoError(t, f.Bind(context.Background(), a))
	assert.Equal(t, 1, a.restores)
	require.Len(t, a.restored, 2)
	assert.Equal(t, types.EntryRegisterApp, a.restored[0].Type)
	assert.Equal(t, uint64(2), a.restored[1].Index)

	res = applyEntry(t, f, 5, types.ConfirmEntry(testQueue, "foo", 1))
	require.NoError(t, res.Error)
	require.Len(t, a.applied, 1)
	assert.Equal(t, uint64(5), a.applied[0].Index)
	assert.Len(t, f.Entries(), 3)
}

func TestFSMSnapshotRoundTrip(t *testing.T) {
	src := NewFSM(0, nil)
	entries := []*types.Entry{
		types.RegisterAppEntry(testQueue, "foo", "k1"),
		types.RegisterAppEntry(testQueue, "bar", "k2"),
		types.AppendEntry(testQueue, types.NewMessage([]byte("m1"), nil)),
		types.AppendEntry(testQueue, types.NewMessage([]byte("m2"), nil)),
		types.AppendEntry(testQueue, types.NewMessage([]byte("m3"), nil)),
		types.ConfirmEntry(testQueue, "foo", 2),
		types.ConfirmEntry(testQueue, "bar", 1),
		types.PurgeEntry(testQueue, 1),
		types.UnregisterAppEntry(testQueue, "bar"),
	}
	for i, e := range entries {
		require.NoError(t, applyEntry(t, src, uint64(i+1), e).Error)
	}

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)
	assert.False(t, sink.cancelled)

	a := &recordingApplier{}
	dst := NewFSM(0, nil)
	require.NoError(t, dst.Bind(context.Background(), a))
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	assert.Equal(t, 2, a.restores)
	assert.Equal(t, uint64(len(entries)), dst.AppliedIndex())

	want, err := types.Fold(src.Entries())
	require.NoError(t, err)
	got, err := types.Fold(dst.Entries())
	require.NoError(t, err)
	wq, gq := want.Queue(testQueue), got.Queue(testQueue)
	assert.Equal(t, wq.LastSequence, gq.LastSequence)
	assert.Equal(t, uint64(1), gq.PurgedUpTo)
	assert.True(t, gq.Diff(wq).Empty())
	assert.Equal(t, uint64(2), gq.Apps["foo"].ConfirmedUpTo)
	assert.False(t, gq.Apps["bar"].Registered)

	restored, err := types.Fold(a.restored)
	require.NoError(t, err)
	assert.True(t, restored.Queue(testQueue).Diff(wq).Empty())

	assert.Error(t, dst.Restore(io.NopCloser(bytes.NewReader([]byte("not zstd")))))
}

func TestFSMCompacts(t *testing.T) {
	f := NewFSM(4, nil)
	require.NoError(t, applyEntry(t, f, 1, types.RegisterAppEntry(testQueue, "foo", "k")).Error)
	for i := uint64(2); i <= 7; i++ {
		require.NoError(t, applyEntry(t, f, i, types.AppendEntry(testQueue, types.NewMessage([]byte("m"), nil))).Error)
	}
	require.NoError(t, applyEntry(t, f, 8, types.PurgeEntry(testQueue, 5)).Error)

	p, err := types.Fold(f.Entries())
	require.NoError(t, err)
	q := p.Queue(testQueue)
	assert.Equal(t, uint64(6), q.LastSequence)
	assert.Equal(t, uint64(5), q.PurgedUpTo)
	assert.True(t, q.Apps["foo"].Registered)
	assert.Len(t, f.Entries(), 3)
}
