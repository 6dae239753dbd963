// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"

	"github.com/absmach/fanoutmq/fanout/types"
)

// Applier receives every committed entry exactly once, in log order.
type Applier interface {
	// ApplyEntry applies a committed entry and returns its result, which
	// is the assigned sequence for appends.
	ApplyEntry(ctx context.Context, e *types.Entry) (uint64, error)

	// Restore replaces all applied state with the fold of entries.
	Restore(ctx context.Context, entries []*types.Entry) error
}

// ReplicatedLog is the cluster's durable, ordered entry log.
type ReplicatedLog interface {
	// Bind attaches the applier and hands it the entries committed so far.
	Bind(ctx context.Context, a Applier) error

	// Append blocks until e is committed and applied locally, and returns
	// the applier's result.
	Append(ctx context.Context, e *types.Entry) (uint64, error)

	// Replay returns the committed entries in order, possibly compacted.
	Replay(ctx context.Context) ([]*types.Entry, error)

	// Barrier blocks until every committed entry has been applied locally.
	Barrier(ctx context.Context) error

	IsLeader() bool

	// LeaderCh reports leadership changes. A nil channel never fires.
	LeaderCh() <-chan bool

	AppliedIndex() uint64
	Close() error
}

// ApplyError wraps a failure of the applier for a committed entry. It is
// permanent: retrying the same entry fails the same way.
type ApplyError struct {
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed: %v", e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
