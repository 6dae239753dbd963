// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fanoutmq/fanout/types"
)

// CollectGarbage purges the prefix of the log that no registered app still
// needs, plus every expired message. It returns the submitted purge point,
// or zero when there was nothing to do.
func (q *Queue) CollectGarbage(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	if !q.primary {
		q.mu.Unlock()
		return 0, nil
	}
	expired, err := q.expiredUpToLocked(ctx)
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}
	upTo := eligiblePurge(q.committed, expired)
	if upTo <= max(q.committed.PurgedUpTo, q.purgeRequested) {
		q.mu.Unlock()
		return 0, nil
	}
	q.purgeRequested = upTo
	q.mu.Unlock()

	if _, err := q.prop.Submit(types.PurgeEntry(q.name, upTo)).Wait(ctx); err != nil {
		q.mu.Lock()
		q.purgeRequested = q.committed.PurgedUpTo
		q.mu.Unlock()
		return 0, fmt.Errorf("failed to purge queue %s: %w", q.name, err)
	}
	return upTo, nil
}

// eligiblePurge is the highest sequence every registered app has confirmed,
// raised to the expiry point. With no registered app nothing is retained.
func eligiblePurge(rec *types.QueueRecord, expiredUpTo uint64) uint64 {
	upTo := rec.LastSequence
	for _, app := range rec.Apps {
		if app.Registered {
			upTo = min(upTo, app.ConfirmedUpTo)
		}
	}
	return min(max(upTo, expiredUpTo), rec.LastSequence)
}

// expiredUpToLocked scans the head of the log for expired messages.
func (q *Queue) expiredUpToLocked(ctx context.Context) (uint64, error) {
	ttl := q.cfg.MessageTTL
	if ttl <= 0 {
		return 0, nil
	}
	now := q.now()

	var upTo uint64
	for msg, err := range q.store.RangeFrom(ctx, q.name, 0) {
		if err != nil {
			return 0, err
		}
		if !msg.Expired(ttl, now) {
			break
		}
		upTo = msg.Sequence
	}
	return upTo, nil
}

// applyPurgeLocked removes the purged prefix and advances every view of it.
func (q *Queue) applyPurgeLocked(ctx context.Context, upTo uint64) error {
	n, err := q.store.Purge(ctx, q.name, upTo)
	if err != nil {
		return fmt.Errorf("failed to purge messages: %w", err)
	}
	q.purgeRequested = max(q.purgeRequested, upTo)

	for _, app := range q.registry.Apps() {
		if vs, ok := storageOf(app.state); ok {
			vs.skipTo(upTo)
		}
		if ref, ok := cursorOf(app.state); ok {
			if c, _, ok := q.registry.Cursor(ref); ok {
				c.next = max(c.next, upTo+1)
			}
		}
		kept := app.redeliver[:0]
		for _, seq := range app.redeliver {
			if seq > upTo {
				kept = append(kept, seq)
			}
		}
		app.redeliver = kept
	}

	if n > 0 {
		q.logger.Info(fmt.Sprintf("queue [%s] garbage-collected [%d] messages", q.name, n),
			slog.Uint64("purged_up_to", upTo))
		q.metrics.RecordPurge(q.name, n)
	}
	return nil
}
