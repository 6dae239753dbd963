// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

// IteratorRef names a cursor slot in the registry arena. A ref goes stale
// once its cursor is released and every access re-validates it, so a late
// notification can never reach a cursor that has been invalidated.
type IteratorRef struct {
	slot int
	gen  uint64
}

// AppRef names an app slot in the registry arena.
type AppRef struct {
	slot int
	gen  uint64
}

// cursor is the position of an app within the physical log.
type cursor struct {
	app  AppRef
	next uint64
}

type cursorSlot struct {
	gen  uint64
	live bool
	c    cursor
}

// cursorArena allocates cursors with generation-checked refs. Generations
// start at 1 so the zero ref is never valid.
type cursorArena struct {
	slots []cursorSlot
	free  []int
	live  int
}

func (a *cursorArena) acquire(app AppRef, next uint64) IteratorRef {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, cursorSlot{})
		idx = len(a.slots) - 1
	}
	s := &a.slots[idx]
	s.gen++
	s.live = true
	s.c = cursor{app: app, next: next}
	a.live++
	return IteratorRef{slot: idx, gen: s.gen}
}

func (a *cursorArena) get(ref IteratorRef) (*cursor, bool) {
	if ref.slot < 0 || ref.slot >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[ref.slot]
	if !s.live || s.gen != ref.gen {
		return nil, false
	}
	return &s.c, true
}

// release invalidates ref. Releasing a stale ref is a no-op.
func (a *cursorArena) release(ref IteratorRef) bool {
	if _, ok := a.get(ref); !ok {
		return false
	}
	s := &a.slots[ref.slot]
	s.live = false
	s.gen++
	s.c = cursor{}
	a.free = append(a.free, ref.slot)
	a.live--
	return true
}
