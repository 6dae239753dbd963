// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import "github.com/absmach/fanoutmq/fanout/types"

// substreamState is the state of one app substream. Each variant carries
// exactly the data valid in that state: only authorized variants own a
// virtual storage and only open variants own a cursor.
type substreamState interface {
	status() types.Status
}

// dormant: no handles, not authorized.
type dormant struct{}

// idle: authorized, no handles. Retains messages for GC purposes.
type idle struct {
	vs *virtualStorage
}

// alive: authorized with open handles and a live cursor.
type alive struct {
	vs     *virtualStorage
	cursor IteratorRef
}

// unauthorizedOpen: open handles without authorization. The cursor is
// parked and never delivers.
type unauthorizedOpen struct {
	cursor IteratorRef
}

func (dormant) status() types.Status          { return types.StatusDormant }
func (idle) status() types.Status             { return types.StatusIdle }
func (alive) status() types.Status            { return types.StatusAlive }
func (unauthorizedOpen) status() types.Status { return types.StatusUnauthorized }

// storageOf returns the virtual storage of authorized states.
func storageOf(s substreamState) (*virtualStorage, bool) {
	switch st := s.(type) {
	case idle:
		return st.vs, true
	case alive:
		return st.vs, true
	default:
		return nil, false
	}
}

// cursorOf returns the cursor of open states.
func cursorOf(s substreamState) (IteratorRef, bool) {
	switch st := s.(type) {
	case alive:
		return st.cursor, true
	case unauthorizedOpen:
		return st.cursor, true
	default:
		return IteratorRef{}, false
	}
}
