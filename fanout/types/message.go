// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable record in a queue's physical log.
type Message struct {
	GUID       string            `json:"guid"`
	Sequence   uint64            `json:"sequence"`
	Payload    []byte            `json:"payload,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewMessage creates a message with a fresh GUID. The sequence number is
// assigned when the message is appended to the log.
func NewMessage(payload []byte, props map[string]string) *Message {
	return &Message{
		GUID:       uuid.NewString(),
		Payload:    payload,
		Properties: props,
		CreatedAt:  time.Now(),
	}
}

// Expired reports whether the message is older than ttl at now.
// A zero ttl never expires.
func (m *Message) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > ttl
}

// Clone returns a shallow copy safe to hand out to consumers.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}
