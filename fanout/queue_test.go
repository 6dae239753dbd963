// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizedAppsSeeEveryMessage(t *testing.T) {
	env := newTestEnv(t)
	env.queue()

	foo, status := env.open("foo")
	require.Equal(t, OpenAlive, status)
	bar, _ := env.open("bar")
	baz, _ := env.open("baz")

	quux, status := env.open("quux")
	require.Equal(t, OpenUnauthorizedAlarm, status)

	env.post("m1", "m2")

	for _, h := range []*Handle{foo, bar, baz} {
		assert.Equal(t, []string{"m1", "m2"}, recvPayloads(t, h, 2))
	}
	expectNone(t, quux)

	d := env.setAppIDs("foo", "bar", "baz", "quux")
	assert.Equal(t, []string{"quux"}, d.Added)
	assert.Empty(t, d.Removed)
	expectNone(t, quux)

	env.post("m3")
	assert.Equal(t, []string{"m3"}, recvPayloads(t, quux, 1))
	expectNone(t, quux)
	for _, h := range []*Handle{foo, bar, baz} {
		assert.Equal(t, []string{"m3"}, recvPayloads(t, h, 1))
	}

	assert.Contains(t, env.m.DumpInternals(context.Background()), "quux: status=alive, StorageIter.atEnd=true")
	assert.Equal(t, 1, env.logs.count("Registered appId 'quux'"))
}

func TestCapacityReclaimsConfirmedMessages(t *testing.T) {
	env := newTestEnv(t, withDomain(types.DomainConfig{
		Name:        testDomain,
		AppIDs:      []string{"foo", "bar", "baz"},
		MaxMessages: 3,
		GCInterval:  time.Hour,
	}))
	env.queue()

	env.post("m1", "m2", "m3")
	_, err := env.m.Post(context.Background(), testQueue, []byte("over"), nil)
	require.ErrorIs(t, err, types.ErrLimitMessages)

	unauth, status := env.open("unauth")
	require.Equal(t, OpenUnauthorizedAlarm, status)

	var handles []*Handle
	for _, id := range []string{"foo", "bar", "baz"} {
		h, status := env.open(id)
		require.Equal(t, OpenAlive, status)
		assert.Equal(t, []string{"m1", "m2", "m3"}, recvPayloads(t, h, 3))
		confirmAll(t, h)
		handles = append(handles, h)
	}

	env.post("m4")
	for _, h := range handles {
		assert.Equal(t, []string{"m4"}, recvPayloads(t, h, 1))
		expectNone(t, h)
	}
	expectNone(t, unauth)
	assert.Empty(t, unauth.Pending())

	msgs, err := env.queue().ListMessages(context.Background(), "unauth")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, int64(1), env.count())
}

func TestExpiredMessagesAreCollected(t *testing.T) {
	env := newTestEnv(t, withDomain(types.DomainConfig{
		Name:       testDomain,
		AppIDs:     []string{"foo", "bar", "baz"},
		MessageTTL: 3 * time.Second,
		GCInterval: time.Hour,
	}))
	env.queue()

	foo, _ := env.open("foo")
	env.post("m1")
	recv(t, foo)
	confirmAll(t, foo)
	env.gc()
	assert.Equal(t, int64(1), env.count())

	env.setAppIDs("foo", "bar", "baz", "late")

	env.clock.Advance(4 * time.Second)
	env.requireCount(0)

	q := env.queue()
	for _, id := range []string{"foo", "bar", "baz", "late"} {
		msgs, err := q.ListMessages(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, msgs, id)
	}
	assert.Equal(t, 1, env.logs.count("queue [domain/q] garbage-collected [1] messages"))
}

func TestLateAuthorizationHasNoBackfill(t *testing.T) {
	env := newTestEnv(t)
	env.queue()

	env.post("old1", "old2")
	env.setAppIDs("foo", "bar", "baz", "late")

	late, status := env.open("late")
	require.Equal(t, OpenAlive, status)
	expectNone(t, late)

	msgs, err := env.queue().ListMessages(context.Background(), "late")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	env.post("new")
	assert.Equal(t, []string{"new"}, recvPayloads(t, late, 1))
}

func TestUnauthorizedAppDoesNotHoldMessages(t *testing.T) {
	env := newTestEnv(t, withDomain(types.DomainConfig{
		Name:       testDomain,
		AppIDs:     []string{"foo"},
		GCInterval: time.Hour,
	}))
	env.queue()

	unauth, _ := env.open("unauth")
	foo, _ := env.open("foo")
	env.post("m1", "m2", "m3")

	recvPayloads(t, foo, 3)
	assert.Equal(t, int64(3), env.count())
	confirmAll(t, foo)

	env.requireCount(0)
	expectNone(t, unauth)
	assert.Equal(t, 1, env.logs.count("queue [domain/q] garbage-collected [3] messages"))
}

func TestDeauthorizedAppReleasesRetention(t *testing.T) {
	env := newTestEnv(t, withDomain(types.DomainConfig{
		Name:       testDomain,
		AppIDs:     []string{"foo", "bar"},
		GCInterval: time.Hour,
	}))
	env.queue()

	foo, _ := env.open("foo")
	env.post("m1", "m2")
	recvPayloads(t, foo, 2)
	confirmAll(t, foo)
	env.gc()
	assert.Equal(t, int64(2), env.count())

	d := env.setAppIDs("foo")
	assert.Equal(t, []string{"bar"}, d.Removed)
	env.requireCount(0)
	assert.Equal(t, 1, env.logs.count("Unregistered appId 'bar'"))
}

func TestDeauthorizeAllWhileOpen(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue()

	foo, _ := env.open("foo")
	env.post("m1")
	recv(t, foo)

	q.mu.Lock()
	app, _ := q.registry.Get("foo")
	ref, ok := cursorOf(app.state)
	q.mu.Unlock()
	require.True(t, ok)

	env.setAppIDs()

	q.mu.Lock()
	_, _, live := q.registry.Cursor(ref)
	q.mu.Unlock()
	assert.False(t, live, "cursor must be invalidated on deauthorization")

	env.post("m2")
	q.OnNewMessage(context.Background(), 2)
	expectNone(t, foo)

	dump := env.m.DumpInternals(context.Background())
	assert.Contains(t, dump, "foo: status=unauthorized")
	assert.Contains(t, dump, "Num virtual storages: 0")

	require.NoError(t, foo.Confirm(context.Background(), types.ConfirmAll()))
}

func TestRemoveAndReAddApp(t *testing.T) {
	env := newTestEnv(t, withDomain(types.DomainConfig{
		Name:       testDomain,
		AppIDs:     []string{"foo", "quux"},
		GCInterval: time.Hour,
	}))
	env.queue()

	foo, _ := env.open("foo")
	env.post("m1")
	env.setAppIDs("foo")
	env.post("m2")
	env.setAppIDs("foo", "quux")
	env.post("m3")

	quux, status := env.open("quux")
	require.Equal(t, OpenAlive, status)
	assert.Equal(t, []string{"m3"}, recvPayloads(t, quux, 1))
	expectNone(t, quux)
	assert.Equal(t, []string{"m1", "m2", "m3"}, recvPayloads(t, foo, 3))

	assert.Equal(t, 2, env.logs.count("Registered appId 'quux'"))
	assert.Equal(t, 1, env.logs.count("Unregistered appId 'quux'"))
}

func TestPostOnReplica(t *testing.T) {
	env := newTestEnv(t)
	env.queue()

	env.m.BecomeReplica(context.Background())
	_, err := env.m.Post(context.Background(), testQueue, []byte("m"), nil)
	assert.ErrorIs(t, err, types.ErrNotPrimary)

	_, _, err = env.m.Open(context.Background(), testQueue, "foo", OpenOptions{})
	assert.ErrorIs(t, err, types.ErrNotPrimary)
	assert.Contains(t, env.m.DumpInternals(context.Background()), "foo: status=alive")
}

func TestUnknownDomain(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.m.Post(context.Background(), "other/q", []byte("m"), nil)
	assert.ErrorIs(t, err, types.ErrDomainNotFound)

	_, err = env.m.Post(context.Background(), "no-domain", []byte("m"), nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestDumpInternals(t *testing.T) {
	env := newTestEnv(t)
	env.queue()

	env.open("foo")
	env.open("stranger")
	env.post("m1")
	env.flush()

	dump := env.m.DumpInternals(context.Background())
	assert.Equal(t, "Queue [domain/q]: role=primary, authorization version=2", dump[0])
	assert.Equal(t, "Storage [domain/q]: 1 messages", dump[1])
	assert.Equal(t, "Num virtual storages: 3", dump[2])
	assert.Equal(t, "Uncommitted entries: 0", dump[3])
	assert.Equal(t, []string{
		"bar: status=alive",
		"baz: status=alive",
		"foo: status=alive, StorageIter.atEnd=true",
		"stranger: status=unauthorized",
	}, dump[4:])
}
