// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

// Metrics receives engine events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordOpen(queue, appID string, authorized bool)
	RecordClose(queue, appID string)
	RecordAlarm(queue, appID string)
	RecordPost(queue string, sizeBytes int)
	RecordDelivery(queue, appID string)
	RecordConfirm(queue, appID string, count int)
	RecordPurge(queue string, count int)
	RecordRegistration(queue, appID string, registered bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordOpen(string, string, bool)         {}
func (noopMetrics) RecordClose(string, string)              {}
func (noopMetrics) RecordAlarm(string, string)              {}
func (noopMetrics) RecordPost(string, int)                  {}
func (noopMetrics) RecordDelivery(string, string)           {}
func (noopMetrics) RecordConfirm(string, string, int)       {}
func (noopMetrics) RecordPurge(string, int)                 {}
func (noopMetrics) RecordRegistration(string, string, bool) {}
