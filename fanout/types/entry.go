// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryType identifies a replicated log entry.
type EntryType uint8

const (
	// Physical log
	EntryAppend EntryType = iota + 1
	EntryPurge

	// App registry
	EntryCreateApp
	EntryRegisterApp
	EntryUnregisterApp
	EntryRemoveApp

	// Confirmation state
	EntryConfirm

	// Written only by compaction.
	EntryRestoreApp
)

func (t EntryType) String() string {
	switch t {
	case EntryAppend:
		return "append"
	case EntryPurge:
		return "purge"
	case EntryCreateApp:
		return "create_app"
	case EntryRegisterApp:
		return "register_app"
	case EntryUnregisterApp:
		return "unregister_app"
	case EntryRemoveApp:
		return "remove_app"
	case EntryConfirm:
		return "confirm"
	case EntryRestoreApp:
		return "restore_app"
	default:
		return fmt.Sprintf("entry(%d)", uint8(t))
	}
}

// Entry is one record of the replicated log.
//
// Sequence is overloaded by type: the assigned message sequence for
// EntryAppend (zero until applied), the inclusive upper bound for
// EntryPurge and EntryConfirm. Token names the local authorization an
// EntryRegisterApp was issued for; folding ignores it.
type Entry struct {
	Type      EntryType  `json:"type"`
	Index     uint64     `json:"index,omitempty"`
	Queue     string     `json:"queue"`
	AppID     string     `json:"app_id,omitempty"`
	AppKey    AppKey     `json:"app_key,omitempty"`
	Token     string     `json:"token,omitempty"`
	Sequence  uint64     `json:"sequence,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	App       *AppRecord `json:"app,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EncodeEntry serializes an entry for the log.
func EncodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses an entry written by EncodeEntry.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

func newEntry(t EntryType, queue string) *Entry {
	return &Entry{Type: t, Queue: queue, Timestamp: time.Now()}
}

// AppendEntry replicates a message append.
func AppendEntry(queue string, msg *Message) *Entry {
	e := newEntry(EntryAppend, queue)
	e.Message = msg
	return e
}

// PurgeEntry replicates removal of every message up to and including upTo.
func PurgeEntry(queue string, upTo uint64) *Entry {
	e := newEntry(EntryPurge, queue)
	e.Sequence = upTo
	return e
}

// CreateAppEntry records an app discovered on first open.
func CreateAppEntry(queue, appID string, key AppKey) *Entry {
	e := newEntry(EntryCreateApp, queue)
	e.AppID = appID
	e.AppKey = key
	return e
}

// RegisterAppEntry records an app becoming authorized.
func RegisterAppEntry(queue, appID string, key AppKey) *Entry {
	e := newEntry(EntryRegisterApp, queue)
	e.AppID = appID
	e.AppKey = key
	return e
}

// UnregisterAppEntry records an app losing authorization.
func UnregisterAppEntry(queue, appID string) *Entry {
	e := newEntry(EntryUnregisterApp, queue)
	e.AppID = appID
	return e
}

// RemoveAppEntry records the destruction of an app's state.
func RemoveAppEntry(queue, appID string) *Entry {
	e := newEntry(EntryRemoveApp, queue)
	e.AppID = appID
	return e
}

// ConfirmEntry records an app's contiguous confirmation high mark.
func ConfirmEntry(queue, appID string, upTo uint64) *Entry {
	e := newEntry(EntryConfirm, queue)
	e.AppID = appID
	e.Sequence = upTo
	return e
}

// Clone copies e deeply enough that folding the copy leaves e untouched.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Message != nil {
		c.Message = e.Message.Clone()
	}
	if e.App != nil {
		app := *e.App
		c.App = &app
	}
	return &c
}

// CloneEntries clones every entry of a list.
func CloneEntries(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
