// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fanoutmq/fanout"
	"github.com/absmach/fanoutmq/fanout/types"
	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"
)

var _ raft.FSM = (*FSM)(nil)

// ApplyResult is the FSM response for one committed entry.
type ApplyResult struct {
	Sequence uint64
	Error    error
}

// FSM applies committed entries to the bound applier and keeps them for
// replay. Entries committed before Bind are buffered and handed over as
// a single restore.
type FSM struct {
	mu           sync.Mutex
	applier      fanout.Applier
	pending      *types.Projection
	entries      []*types.Entry
	appliedIndex uint64
	since        int
	compactEvery int
	logger       *slog.Logger
}

// NewFSM creates an FSM that compacts its retained entries after
// compactEvery applies. A non-positive value disables compaction.
func NewFSM(compactEvery int, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		pending:      types.NewProjection(),
		compactEvery: compactEvery,
		logger:       logger,
	}
}

// Bind attaches a and restores it from the entries applied so far.
func (f *FSM) Bind(ctx context.Context, a fanout.Applier) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := a.Restore(ctx, types.CloneEntries(f.entries)); err != nil {
		return err
	}
	f.applier = a
	f.pending = nil

	f.logger.Info("raft fsm bound",
		slog.Int("entries", len(f.entries)),
		slog.Uint64("applied_index", f.appliedIndex))

	return nil
}

// Apply is called by raft once a log entry is committed.
func (f *FSM) Apply(l *raft.Log) interface{} {
	e, err := types.DecodeEntry(l.Data)
	if err != nil {
		f.logger.Error("failed to decode entry",
			slog.Uint64("index", l.Index),
			slog.String("error", err.Error()))
		f.mu.Lock()
		f.appliedIndex = l.Index
		f.mu.Unlock()
		return &ApplyResult{Error: err}
	}
	e.Index = l.Index

	f.mu.Lock()
	defer f.mu.Unlock()

	f.appliedIndex = l.Index

	var seq uint64
	if f.applier != nil {
		seq, err = f.applier.ApplyEntry(context.Background(), e)
	} else {
		err = f.apply(e)
		seq = e.Sequence
	}
	if err != nil {
		return &ApplyResult{Error: err}
	}

	f.entries = append(f.entries, e)
	f.since++
	if f.compactEvery > 0 && f.since >= f.compactEvery {
		f.compactLocked()
	}

	return &ApplyResult{Sequence: seq}
}

// apply folds e into the pending projection until an applier is bound,
// rejecting the entries the applier would reject.
func (f *FSM) apply(e *types.Entry) error {
	if e.Queue == "" {
		return fmt.Errorf("%w: entry without queue", types.ErrUnknownEntry)
	}
	return f.pending.Apply(e)
}

func (f *FSM) compactLocked() {
	f.since = 0

	compacted, err := types.Compact(types.CloneEntries(f.entries))
	if err != nil {
		f.logger.Warn("fsm compaction skipped", slog.String("error", err.Error()))
		return
	}
	f.logger.Debug("fsm entries compacted",
		slog.Int("before", len(f.entries)),
		slog.Int("after", len(compacted)))
	f.entries = compacted
}

// Entries returns a copy of the retained entries in log order.
func (f *FSM) Entries() []*types.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.CloneEntries(f.entries)
}

// AppliedIndex returns the index of the last applied raft log entry.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appliedIndex
}

// Snapshot captures the compacted entries. Persist runs concurrently
// with further applies, so the snapshot owns its copy.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	compacted, err := types.Compact(types.CloneEntries(f.entries))
	if err != nil {
		return nil, fmt.Errorf("failed to compact entries: %w", err)
	}

	return &snapshot{
		data: snapshotData{
			AppliedIndex: f.appliedIndex,
			Entries:      compacted,
		},
		logger: f.logger,
	}, nil
}

// Restore replaces the FSM state with a snapshot written by Persist.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := decodeSnapshot(rc)
	if err != nil {
		f.logger.Error("failed to decode snapshot", slog.String("error", err.Error()))
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.applier != nil {
		if err := f.applier.Restore(context.Background(), types.CloneEntries(data.Entries)); err != nil {
			return fmt.Errorf("failed to restore applier: %w", err)
		}
	} else {
		pending, err := types.Fold(types.CloneEntries(data.Entries))
		if err != nil {
			return fmt.Errorf("failed to fold snapshot: %w", err)
		}
		f.pending = pending
	}
	f.entries = data.Entries
	f.appliedIndex = data.AppliedIndex
	f.since = 0

	f.logger.Info("restored snapshot",
		slog.Int("entries", len(data.Entries)),
		slog.Uint64("applied_index", data.AppliedIndex))

	return nil
}

type snapshotData struct {
	AppliedIndex uint64         `json:"applied_index"`
	Entries      []*types.Entry `json:"entries"`
	Timestamp    time.Time      `json:"timestamp"`
}

type snapshot struct {
	data   snapshotData
	logger *slog.Logger
}

// Persist writes the snapshot as zstd-compressed JSON.
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	s.data.Timestamp = time.Now()

	if err := encodeSnapshot(sink, s.data); err != nil {
		_ = sink.Cancel()
		s.logger.Error("failed to encode snapshot", slog.String("error", err.Error()))
		return err
	}
	if err := sink.Close(); err != nil {
		s.logger.Error("failed to close snapshot sink", slog.String("error", err.Error()))
		return err
	}

	s.logger.Info("persisted snapshot",
		slog.Int("entries", len(s.data.Entries)),
		slog.Uint64("applied_index", s.data.AppliedIndex))

	return nil
}

func (s *snapshot) Release() {}

func encodeSnapshot(w io.Writer, data snapshotData) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(data); err != nil {
		return errors.Join(err, zw.Close())
	}
	return zw.Close()
}

func decodeSnapshot(r io.Reader) (snapshotData, error) {
	var data snapshotData

	zr, err := zstd.NewReader(r)
	if err != nil {
		return data, err
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return data, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return data, nil
}
