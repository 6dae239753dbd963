// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fanoutmq/fanout/storage"
	"github.com/absmach/fanoutmq/fanout/types"
)

var errNotBound = errors.New("log has no applier bound")

var _ ReplicatedLog = (*LocalLog)(nil)

// LocalLogConfig configures a single-node log.
type LocalLogConfig struct {
	// CompactEvery compacts the journal after this many appends. Zero uses
	// the default; a negative value disables compaction.
	CompactEvery int
	Logger       *slog.Logger
}

// LocalLog is a single-node ReplicatedLog over a journal. Every append is
// committed as soon as the journal accepts it, and the node is always the
// leader.
type LocalLog struct {
	journal storage.Journal
	applier Applier
	index   uint64
	since   int
	cfg     LocalLogConfig
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewLocalLog creates a log over j.
func NewLocalLog(j storage.Journal, cfg LocalLogConfig) *LocalLog {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CompactEvery == 0 {
		cfg.CompactEvery = 4096
	}
	return &LocalLog{
		journal: j,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Bind replays the journal into a and attaches it for further appends.
func (l *LocalLog) Bind(ctx context.Context, a Applier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.journal.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	last, err := l.journal.LastIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to read journal index: %w", err)
	}
	if err := a.Restore(ctx, entries); err != nil {
		return fmt.Errorf("failed to restore from journal: %w", err)
	}

	l.index = last
	l.applier = a

	l.logger.Info("local log replayed",
		slog.Int("entries", len(entries)),
		slog.Uint64("index", last))

	return nil
}

// Append journals e and applies it.
func (l *LocalLog) Append(ctx context.Context, e *types.Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.applier == nil {
		return 0, errNotBound
	}

	e.Index = l.index + 1
	if err := l.journal.Append(ctx, e); err != nil {
		return 0, fmt.Errorf("failed to journal entry: %w", err)
	}
	l.index = e.Index

	seq, err := l.applier.ApplyEntry(ctx, e)
	if err != nil {
		return 0, &ApplyError{Err: err}
	}

	l.since++
	if l.cfg.CompactEvery > 0 && l.since >= l.cfg.CompactEvery {
		l.compact(ctx)
	}

	return seq, nil
}

func (l *LocalLog) compact(ctx context.Context) {
	l.since = 0

	entries, err := l.journal.Entries(ctx)
	if err != nil {
		l.logger.Warn("journal compaction skipped", slog.String("error", err.Error()))
		return
	}
	compacted, err := types.Compact(entries)
	if err != nil {
		l.logger.Warn("journal compaction skipped", slog.String("error", err.Error()))
		return
	}
	if err := l.journal.Replace(ctx, compacted); err != nil {
		l.logger.Error("journal compaction failed", slog.String("error", err.Error()))
		return
	}
	if last, err := l.journal.LastIndex(ctx); err == nil {
		l.index = max(l.index, last)
	}

	l.logger.Debug("journal compacted",
		slog.Int("before", len(entries)),
		slog.Int("after", len(compacted)))
}

func (l *LocalLog) Replay(ctx context.Context) ([]*types.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.Entries(ctx)
}

// Barrier returns immediately; appends are applied synchronously.
func (l *LocalLog) Barrier(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ctx.Err()
}

func (l *LocalLog) IsLeader() bool { return true }

func (l *LocalLog) LeaderCh() <-chan bool { return nil }

func (l *LocalLog) AppliedIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

func (l *LocalLog) Close() error {
	return l.journal.Close()
}
