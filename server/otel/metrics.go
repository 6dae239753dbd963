// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fanoutmq/fanout"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ fanout.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the fan-out engine.
type Metrics struct {
	meter metric.Meter

	// Counters
	opensTotal         metric.Int64Counter
	alarmsTotal        metric.Int64Counter
	messagesPosted     metric.Int64Counter
	messagesDelivered  metric.Int64Counter
	messagesConfirmed  metric.Int64Counter
	messagesPurged     metric.Int64Counter
	registrationsTotal metric.Int64Counter

	// UpDownCounters (Gauges)
	handlesOpen metric.Int64UpDownCounter

	// Histograms
	messageSize metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fanoutmq"),
	}

	var err error

	m.opensTotal, err = m.meter.Int64Counter(
		"fanout.opens.total",
		metric.WithDescription("Total substream opens"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensTotal counter: %w", err)
	}

	m.alarmsTotal, err = m.meter.Int64Counter(
		"fanout.alarms.unauthorized.total",
		metric.WithDescription("Total unauthorized app alarms raised"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alarmsTotal counter: %w", err)
	}

	m.messagesPosted, err = m.meter.Int64Counter(
		"fanout.messages.posted.total",
		metric.WithDescription("Total messages posted to queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPosted counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"fanout.messages.delivered.total",
		metric.WithDescription("Total messages delivered to substream handles"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesConfirmed, err = m.meter.Int64Counter(
		"fanout.messages.confirmed.total",
		metric.WithDescription("Total messages confirmed by apps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesConfirmed counter: %w", err)
	}

	m.messagesPurged, err = m.meter.Int64Counter(
		"fanout.messages.purged.total",
		metric.WithDescription("Total messages removed by garbage collection"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPurged counter: %w", err)
	}

	m.registrationsTotal, err = m.meter.Int64Counter(
		"fanout.registrations.total",
		metric.WithDescription("Total app registration changes published"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registrationsTotal counter: %w", err)
	}

	m.handlesOpen, err = m.meter.Int64UpDownCounter(
		"fanout.handles.open",
		metric.WithDescription("Currently open substream handles"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlesOpen gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"fanout.message.size.bytes",
		metric.WithDescription("Posted message payload size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

// RecordOpen records a substream open.
func (m *Metrics) RecordOpen(queue, appID string, authorized bool) {
	ctx := context.Background()
	m.opensTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("app_id", appID),
		attribute.Bool("authorized", authorized),
	))
	m.handlesOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordClose records a handle close.
func (m *Metrics) RecordClose(queue, appID string) {
	m.handlesOpen.Add(context.Background(), -1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordAlarm records an unauthorized app alarm.
func (m *Metrics) RecordAlarm(queue, appID string) {
	m.alarmsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("app_id", appID),
	))
}

// RecordPost records a posted message.
func (m *Metrics) RecordPost(queue string, sizeBytes int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	m.messagesPosted.Add(ctx, 1, attrs)
	m.messageSize.Record(ctx, int64(sizeBytes), attrs)
}

// RecordDelivery records a message handed to a substream.
func (m *Metrics) RecordDelivery(queue, appID string) {
	m.messagesDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("app_id", appID),
	))
}

// RecordConfirm records confirmed messages.
func (m *Metrics) RecordConfirm(queue, appID string, count int) {
	m.messagesConfirmed.Add(context.Background(), int64(count), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("app_id", appID),
	))
}

// RecordPurge records messages removed from a queue.
func (m *Metrics) RecordPurge(queue string, count int) {
	m.messagesPurged.Add(context.Background(), int64(count), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordRegistration records an app registration or unregistration.
func (m *Metrics) RecordRegistration(queue, appID string, registered bool) {
	m.registrationsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("app_id", appID),
		attribute.Bool("registered", registered),
	))
}
