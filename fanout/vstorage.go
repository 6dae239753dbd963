// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import "github.com/absmach/fanoutmq/fanout/types"

// virtualStorage is an authorized app's view of the physical log: every
// message from edge onward that it has not confirmed.
type virtualStorage struct {
	// edge is zero until the registration is committed; nothing belongs to
	// the storage before then.
	edge          uint64
	confirmedUpTo uint64
	confirmed     map[uint64]struct{}
	// registration is the token of the RegisterApp entry a pending storage
	// waits for. Registrations of earlier authorizations do not commit it.
	registration string
}

func newVirtualStorage() *virtualStorage {
	return &virtualStorage{confirmed: make(map[uint64]struct{})}
}

func pendingVirtualStorage(token string) *virtualStorage {
	vs := newVirtualStorage()
	vs.registration = token
	return vs
}

func virtualStorageFrom(rec *types.AppRecord, purgedUpTo uint64) *virtualStorage {
	vs := newVirtualStorage()
	vs.edge = rec.Edge
	vs.confirmedUpTo = rec.ConfirmedUpTo
	vs.skipTo(purgedUpTo)
	return vs
}

func (vs *virtualStorage) ready() bool {
	return vs.edge != 0
}

// awaits reports whether the storage is pending on the registration token.
func (vs *virtualStorage) awaits(token string) bool {
	return !vs.ready() && vs.registration == token
}

// commit sets the committed edge of a pending storage.
func (vs *virtualStorage) commit(rec *types.AppRecord, purgedUpTo uint64) {
	vs.edge = rec.Edge
	vs.registration = ""
	vs.confirmedUpTo = max(vs.confirmedUpTo, rec.ConfirmedUpTo)
	for seq := range vs.confirmed {
		if seq < vs.edge {
			delete(vs.confirmed, seq)
		}
	}
	vs.skipTo(purgedUpTo)
}

func (vs *virtualStorage) contains(seq uint64) bool {
	if !vs.ready() || seq < vs.edge || seq <= vs.confirmedUpTo {
		return false
	}
	_, done := vs.confirmed[seq]
	return !done
}

// confirm marks seq confirmed and reports whether the contiguous high mark
// advanced.
func (vs *virtualStorage) confirm(seq uint64) bool {
	if !vs.contains(seq) {
		return false
	}
	vs.confirmed[seq] = struct{}{}
	return vs.advance()
}

// skipTo treats everything up to purged as confirmed.
func (vs *virtualStorage) skipTo(purged uint64) bool {
	if purged <= vs.confirmedUpTo {
		return false
	}
	vs.confirmedUpTo = purged
	for seq := range vs.confirmed {
		if seq <= purged {
			delete(vs.confirmed, seq)
		}
	}
	vs.advance()
	return true
}

func (vs *virtualStorage) advance() bool {
	advanced := false
	for {
		next := vs.confirmedUpTo + 1
		if _, ok := vs.confirmed[next]; !ok {
			return advanced
		}
		delete(vs.confirmed, next)
		vs.confirmedUpTo = next
		advanced = true
	}
}

// start is the first sequence a new cursor delivers from.
func (vs *virtualStorage) start() uint64 {
	return max(vs.edge, vs.confirmedUpTo+1)
}
