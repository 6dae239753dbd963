// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/storage/memory"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/stretchr/testify/require"
)

const (
	testDomain = "domain"
	testQueue  = "domain/q"
	waitFor    = 2 * time.Second
	tick       = 10 * time.Millisecond
)

// logCapture records every log message.
type logCapture struct {
	mu       sync.Mutex
	messages []string
}

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, r.Message)
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *logCapture) WithGroup(string) slog.Handler      { return c }

func (c *logCapture) count(msg string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.messages {
		if m == msg {
			n++
		}
	}
	return n
}

func (c *logCapture) countPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.messages {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

type alarm struct {
	queue string
	appID string
}

type alarmRecorder struct {
	mu     sync.Mutex
	alarms []alarm
}

func (r *alarmRecorder) UnauthorizedApp(_ context.Context, queue, appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, alarm{queue: queue, appID: appID})
}

func (r *alarmRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alarms)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	t      *testing.T
	m      *Manager
	store  storage.MessageLog
	log    ReplicatedLog
	logs   *logCapture
	alarms *alarmRecorder
	clock  *fakeClock
}

type envOption func(*Config)

func withDomain(cfg types.DomainConfig) envOption {
	return func(c *Config) {
		c.Domains = append(c.Domains, cfg)
	}
}

func withStorage(s storage.MessageLog, j storage.Journal) envOption {
	return func(c *Config) {
		c.Storage = s
		c.Log = NewLocalLog(j, LocalLogConfig{CompactEvery: -1, Logger: c.Logger})
	}
}

func withLog(l ReplicatedLog) envOption {
	return func(c *Config) {
		c.Log = l
	}
}

// gatedLog holds appends while its gate is closed, keeping submitted
// entries uncommitted.
type gatedLog struct {
	*LocalLog

	mu      sync.Mutex
	gate    chan struct{}
	waiting int
}

func newGatedLog() *gatedLog {
	return &gatedLog{LocalLog: NewLocalLog(memory.NewJournal(), LocalLogConfig{CompactEvery: -1})}
}

func (g *gatedLog) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == nil {
		g.gate = make(chan struct{})
	}
}

func (g *gatedLog) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

// blocked reports whether an append is waiting at the gate.
func (g *gatedLog) blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting > 0
}

func (g *gatedLog) Append(ctx context.Context, e *types.Entry) (uint64, error) {
	g.mu.Lock()
	gate := g.gate
	if gate != nil {
		g.waiting++
	}
	g.mu.Unlock()

	if gate != nil {
		defer func() {
			g.mu.Lock()
			g.waiting--
			g.mu.Unlock()
		}()
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return g.LocalLog.Append(ctx, e)
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	logs := &logCapture{}
	alarms := &alarmRecorder{}
	clock := newFakeClock()
	logger := slog.New(logs)

	cfg := Config{
		Storage: memory.New(),
		Alarmer: alarms,
		Logger:  logger,
		Now:     clock.Now,
		Propagator: PropagatorConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
		BarrierTimeout: time.Second,
	}
	cfg.Log = NewLocalLog(memory.NewJournal(), LocalLogConfig{CompactEvery: -1, Logger: logger})
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = []types.DomainConfig{{Name: testDomain, AppIDs: []string{"foo", "bar", "baz"}}}
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})

	return &testEnv{
		t:      t,
		m:      m,
		store:  cfg.Storage,
		log:    cfg.Log,
		logs:   logs,
		alarms: alarms,
		clock:  clock,
	}
}

func (e *testEnv) queue() *Queue {
	e.t.Helper()
	q, err := e.m.Queue(context.Background(), testQueue)
	require.NoError(e.t, err)
	require.NoError(e.t, e.m.Flush(context.Background()))
	return q
}

func (e *testEnv) post(payloads ...string) []*types.Message {
	e.t.Helper()
	var out []*types.Message
	for _, p := range payloads {
		msg, err := e.m.Post(context.Background(), testQueue, []byte(p), nil)
		require.NoError(e.t, err)
		out = append(out, msg)
	}
	return out
}

func (e *testEnv) open(appID string) (*Handle, OpenStatus) {
	e.t.Helper()
	h, status, err := e.m.Open(context.Background(), testQueue, appID, OpenOptions{})
	require.NoError(e.t, err)
	return h, status
}

func (e *testEnv) setAppIDs(ids ...string) Diff {
	e.t.Helper()
	d, err := e.queue().ApplyAuthorizationSet(context.Background(), ids)
	require.NoError(e.t, err)
	require.NoError(e.t, e.m.Flush(context.Background()))
	return d
}

func (e *testEnv) flush() {
	e.t.Helper()
	require.NoError(e.t, e.m.Flush(context.Background()))
}

func (e *testEnv) gc() {
	e.t.Helper()
	e.flush()
	_, err := e.queue().CollectGarbage(context.Background())
	require.NoError(e.t, err)
}

func (e *testEnv) count() int64 {
	e.t.Helper()
	n, err := e.store.Count(context.Background(), testQueue)
	require.NoError(e.t, err)
	return n
}

// requireCount waits for background collection to settle on n messages.
func (e *testEnv) requireCount(n int64) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		_, _ = e.queue().CollectGarbage(context.Background())
		return e.count() == n
	}, waitFor, tick, "queue never settled on %d messages", n)
}

func recv(t *testing.T, h *Handle) *types.Message {
	t.Helper()
	select {
	case msg, ok := <-h.Messages():
		require.True(t, ok, "handle closed")
		return msg
	case <-time.After(waitFor):
		t.Fatalf("no message delivered to %s", h.AppID())
		return nil
	}
}

func recvPayloads(t *testing.T, h *Handle, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, string(recv(t, h).Payload))
	}
	return out
}

func expectNone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case msg, ok := <-h.Messages():
		if ok {
			t.Fatalf("unexpected message %q delivered to %s", msg.Payload, h.AppID())
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func confirmAll(t *testing.T, h *Handle) {
	t.Helper()
	require.NoError(t, h.Confirm(context.Background(), types.ConfirmAll()))
}
