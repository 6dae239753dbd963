// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"
)

// DumpInternals describes the queue's state, one line per fact, apps in
// id order.
func (q *Queue) DumpInternals(ctx context.Context) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	role := "replica"
	if q.primary {
		role = "primary"
	}
	count, err := q.store.Count(ctx, q.name)
	if err != nil {
		count = -1
	}
	tail, _ := q.store.Tail(ctx, q.name)

	lines := []string{
		fmt.Sprintf("Queue [%s]: role=%s, authorization version=%d", q.name, role, q.registry.Authorization().Version()),
		fmt.Sprintf("Storage [%s]: %d messages", q.name, count),
		fmt.Sprintf("Num virtual storages: %d", q.registry.VirtualStorages()),
		fmt.Sprintf("Uncommitted entries: %d", q.prop.Uncommitted(q.name)),
	}

	for _, app := range q.registry.Apps() {
		switch st := app.state.(type) {
		case alive:
			atEnd := true
			if c, _, ok := q.registry.Cursor(st.cursor); ok && st.vs.ready() {
				atEnd = c.next >= tail
			}
			lines = append(lines, fmt.Sprintf("%s: status=alive, StorageIter.atEnd=%t", app.id, atEnd))
		case idle:
			lines = append(lines, fmt.Sprintf("%s: status=alive", app.id))
		default:
			lines = append(lines, fmt.Sprintf("%s: status=unauthorized", app.id))
		}
	}
	return lines
}
