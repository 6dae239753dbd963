// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"testing"

	"github.com/absmach/fanoutmq/fanout/storage/memory"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingApplier folds applied entries into a projection.
type recordingApplier struct {
	proj     *types.Projection
	restores int
}

func (a *recordingApplier) ApplyEntry(_ context.Context, e *types.Entry) (uint64, error) {
	if err := a.proj.Apply(e); err != nil {
		return 0, err
	}
	return e.Sequence, nil
}

func (a *recordingApplier) Restore(_ context.Context, entries []*types.Entry) error {
	a.restores++
	p, err := types.Fold(types.CloneEntries(entries))
	if err != nil {
		return err
	}
	a.proj = p
	return nil
}

func TestLocalLogCompacts(t *testing.T) {
	ctx := context.Background()
	journal := memory.NewJournal()
	log := NewLocalLog(journal, LocalLogConfig{CompactEvery: 4})

	a := &recordingApplier{}
	require.NoError(t, log.Bind(ctx, a))

	_, err := log.Append(ctx, types.RegisterAppEntry(testQueue, "foo", "k"))
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		seq, err := log.Append(ctx, types.AppendEntry(testQueue, types.NewMessage([]byte("m"), nil)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	_, err = log.Append(ctx, types.PurgeEntry(testQueue, 2))
	require.NoError(t, err)

	entries, err := journal.Entries(ctx)
	require.NoError(t, err)
	assert.Less(t, len(entries), 8)

	b := &recordingApplier{}
	reopened := NewLocalLog(journal, LocalLogConfig{CompactEvery: -1})
	require.NoError(t, reopened.Bind(ctx, b))
	assert.Equal(t, 1, b.restores)

	want := a.proj.Queue(testQueue)
	got := b.proj.Queue(testQueue)
	assert.Equal(t, want.LastSequence, got.LastSequence)
	assert.Equal(t, want.PurgedUpTo, got.PurgedUpTo)
	assert.True(t, got.Diff(want).Empty())

	seq, err := reopened.Append(ctx, types.AppendEntry(testQueue, types.NewMessage([]byte("m"), nil)))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
	assert.Greater(t, reopened.AppliedIndex(), uint64(0))
}

func TestLocalLogApplyError(t *testing.T) {
	ctx := context.Background()
	log := NewLocalLog(memory.NewJournal(), LocalLogConfig{})

	_, err := log.Append(ctx, types.PurgeEntry(testQueue, 1))
	assert.ErrorIs(t, err, errNotBound)

	require.NoError(t, log.Bind(ctx, &recordingApplier{}))
	_, err = log.Append(ctx, &types.Entry{Type: types.EntryType(200), Queue: testQueue})
	var applyErr *ApplyError
	assert.ErrorAs(t, err, &applyErr)
	assert.ErrorIs(t, err, types.ErrUnknownEntry)
}
