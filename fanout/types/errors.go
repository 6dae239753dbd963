// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

var (
	// ErrInUse is returned when unregistering an app that still has open handles.
	ErrInUse = errors.New("app is in use")

	// ErrAppNotFound is returned when an operation targets an unknown app.
	ErrAppNotFound = errors.New("app not found")

	// ErrMessageNotFound is returned when a confirmation names a message the
	// app was never delivered or has already confirmed.
	ErrMessageNotFound = errors.New("message not found")

	// ErrQueueNotFound is returned for operations on an unknown queue.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrDomainNotFound is returned when a queue name does not belong to a configured domain.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrLimitMessages is returned when a post would exceed the queue's message limit.
	ErrLimitMessages = errors.New("queue message limit reached")

	// ErrReplicationLag is returned when a node that has not applied every
	// committed entry is asked to become primary.
	ErrReplicationLag = errors.New("replica is behind the committed index")

	// ErrNotPrimary is returned for primary-only operations on a replica.
	ErrNotPrimary = errors.New("node is not the primary")

	// ErrHandleClosed is returned for operations on a closed handle.
	ErrHandleClosed = errors.New("handle is closed")

	// ErrInvalidConfig indicates an invalid queue or domain configuration.
	ErrInvalidConfig = errors.New("invalid queue configuration")

	// ErrUnknownEntry is returned when a replicated entry has an unknown type.
	ErrUnknownEntry = errors.New("unknown entry type")
)
