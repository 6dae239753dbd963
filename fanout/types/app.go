// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
)

// AppKeyLen is the number of raw bytes in an AppKey.
const AppKeyLen = 5

// AppKey is the short storage key of an app, unique within its queue.
type AppKey string

// NewAppKey derives a key for appID, rehashing with a salt until taken
// reports the key as free.
func NewAppKey(appID string, taken func(AppKey) bool) AppKey {
	var salt uint32
	for {
		h := fnv.New64a()
		h.Write([]byte(appID))
		if salt > 0 {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], salt)
			h.Write(b[:])
		}
		sum := h.Sum(nil)
		key := AppKey(hex.EncodeToString(sum[:AppKeyLen]))
		if taken == nil || !taken(key) {
			return key
		}
		salt++
	}
}

// Status is the externally visible state of an app substream.
type Status uint8

const (
	// StatusDormant: no open handles and not authorized.
	StatusDormant Status = iota
	// StatusIdle: authorized with no open handles. Retains messages.
	StatusIdle
	// StatusAlive: authorized with at least one open handle.
	StatusAlive
	// StatusUnauthorized: open handles without authorization. Never delivered to.
	StatusUnauthorized
)

func (s Status) String() string {
	switch s {
	case StatusDormant:
		return "dormant"
	case StatusIdle:
		return "idle"
	case StatusAlive:
		return "alive"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Authorized reports whether the status carries a virtual storage.
func (s Status) Authorized() bool {
	return s == StatusIdle || s == StatusAlive
}
