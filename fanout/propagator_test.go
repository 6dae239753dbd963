// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLog fails the first appends with a transient error.
type flakyLog struct {
	LocalLog

	mu       sync.Mutex
	failures int
	err      error
	appended []*types.Entry
}

func (l *flakyLog) Append(_ context.Context, e *types.Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return 0, errors.New("transport unavailable")
	}
	if l.err != nil {
		return 0, l.err
	}
	l.appended = append(l.appended, e)
	return uint64(len(l.appended)), nil
}

func newTestPropagator(t *testing.T, log ReplicatedLog) (*Propagator, *logCapture) {
	t.Helper()
	logs := &logCapture{}
	p := NewPropagator(log, PropagatorConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Logger:         slog.New(logs),
	})
	p.Start()
	t.Cleanup(p.Stop)
	return p, logs
}

func TestPropagatorRetriesTransientFailures(t *testing.T) {
	log := &flakyLog{failures: 3}
	p, logs := newTestPropagator(t, log)

	first := p.Submit(types.PurgeEntry(testQueue, 1))
	second := p.Submit(types.PurgeEntry(testQueue, 2))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	seq, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	log.mu.Lock()
	assert.Equal(t, uint64(1), log.appended[0].Sequence)
	assert.Equal(t, uint64(2), log.appended[1].Sequence)
	log.mu.Unlock()

	assert.Positive(t, logs.count("failed to publish queue update, retrying"))
	assert.Equal(t, 0, p.Uncommitted(testQueue))
}

func TestPropagatorFinalErrors(t *testing.T) {
	log := &flakyLog{err: types.ErrNotPrimary}
	p, _ := newTestPropagator(t, log)

	_, err := p.Submit(types.PurgeEntry(testQueue, 1)).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrNotPrimary)

	log.mu.Lock()
	log.err = &ApplyError{Err: types.ErrUnknownEntry}
	log.mu.Unlock()

	_, err = p.Submit(types.PurgeEntry(testQueue, 1)).Wait(context.Background())
	var applyErr *ApplyError
	assert.ErrorAs(t, err, &applyErr)
	assert.ErrorIs(t, err, types.ErrUnknownEntry)
}

func TestPropagatorTransitions(t *testing.T) {
	log := &flakyLog{}
	p, logs := newTestPropagator(t, log)

	p.PublishTransitions(testQueue, Diff{Added: []string{"a"}, Removed: []string{"b"}, Version: 3}, map[string]Registration{"a": {Key: "k", Token: "t1"}})
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, 1, logs.count("Registered appId 'a'"))
	assert.Equal(t, 1, logs.count("Unregistered appId 'b'"))

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.appended, 2)
	assert.Equal(t, types.EntryUnregisterApp, log.appended[0].Type)
	assert.Equal(t, types.EntryRegisterApp, log.appended[1].Type)
	assert.Equal(t, types.AppKey("k"), log.appended[1].AppKey)
	assert.Equal(t, "t1", log.appended[1].Token)
}

func TestPropagatorStopped(t *testing.T) {
	log := &flakyLog{}
	p := NewPropagator(log, PropagatorConfig{})
	p.Start()
	p.Stop()
	p.Stop()

	_, err := p.Submit(types.PurgeEntry(testQueue, 1)).Wait(context.Background())
	assert.ErrorIs(t, err, errPropagatorStopped)
}
