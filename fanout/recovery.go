// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/fanoutmq/fanout/types"
)

// QueueRecovery is what promotion found and fixed for one queue.
type QueueRecovery struct {
	Queue string
	// Diverged lists apps whose applied record disagreed with the log.
	Diverged types.RecordDiff
	// Repaired is the authorization change needed to match configuration.
	Repaired Diff
}

// RecoveryReport summarizes a promotion.
type RecoveryReport struct {
	AppliedIndex uint64
	Queues       []QueueRecovery
}

// RecoveryCoordinator validates replicated state before a node starts
// serving as primary.
type RecoveryCoordinator struct {
	log            ReplicatedLog
	barrierTimeout time.Duration
	logger         *slog.Logger
}

func newRecoveryCoordinator(log ReplicatedLog, barrierTimeout time.Duration, logger *slog.Logger) *RecoveryCoordinator {
	if barrierTimeout <= 0 {
		barrierTimeout = 10 * time.Second
	}
	return &RecoveryCoordinator{log: log, barrierTimeout: barrierTimeout, logger: logger}
}

// Promote catches up with the log, checks every queue's applied record
// against a fresh fold of the log, and activates the queues. A node that
// cannot catch up refuses with ErrReplicationLag.
func (c *RecoveryCoordinator) Promote(ctx context.Context, m *Manager) (*RecoveryReport, error) {
	bctx, cancel := context.WithTimeout(ctx, c.barrierTimeout)
	err := c.log.Barrier(bctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrReplicationLag, err)
	}

	entries, err := c.log.Replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to replay log: %w", err)
	}
	ref, err := types.Fold(types.CloneEntries(entries))
	if err != nil {
		return nil, fmt.Errorf("failed to fold log: %w", err)
	}

	names := make(map[string]struct{})
	for _, name := range m.Queues() {
		names[name] = struct{}{}
	}
	for name := range ref.Queues {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	report := &RecoveryReport{AppliedIndex: c.log.AppliedIndex()}
	for _, name := range sorted {
		q := m.queueFor(name)
		want := ref.Queues[name]
		if want == nil {
			want = types.NewQueueRecord(name)
		}

		qr := QueueRecovery{Queue: name}
		got := q.Committed()
		diff := got.Diff(want)
		if !diff.Empty() || got.LastSequence != want.LastSequence || got.PurgedUpTo != want.PurgedUpTo {
			qr.Diverged = diff
			c.logger.Warn("applied queue state diverged from log, restoring",
				slog.String("queue", name),
				slog.Any("extra", diff.Extra),
				slog.Any("missing", diff.Missing),
				slog.Any("incorrect", diff.Incorrect),
				slog.Uint64("last_sequence", got.LastSequence),
				slog.Uint64("want_last_sequence", want.LastSequence))
			q.restoreCommitted(want)
		}

		q.activate()

		if cfg, ok := m.domainConfig(name); ok {
			q.mu.Lock()
			q.cfg = cfg
			q.mu.Unlock()
			d, err := q.ApplyAuthorizationSet(ctx, cfg.AppIDs)
			if err != nil {
				return report, err
			}
			if !d.Empty() {
				c.logger.Info("repaired app registrations",
					slog.String("queue", name),
					slog.Any("added", d.Added),
					slog.Any("removed", d.Removed))
			}
			qr.Repaired = d
		}
		report.Queues = append(report.Queues, qr)
	}
	return report, nil
}
