// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fanoutmq/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ShutdownFunc flushes and stops the providers installed by InitProvider.
type ShutdownFunc func(context.Context) error

// InitProvider installs the global tracer and meter providers with OTLP
// gRPC exporters. Disabled signals keep the no-op providers.
func InitProvider(ctx context.Context, cfg config.ServerConfig, nodeID string) (ShutdownFunc, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.OtelServiceName),
			semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(nodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdowns []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.OtelTracesEnabled {
		fn, err := initTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdowns = append(shutdowns, fn)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.OtelMetricsEnabled {
		fn, err := initMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdowns = append(shutdowns, fn)
	}

	return shutdown, nil
}

func initTracerProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (ShutdownFunc, error) {
	// TODO: Add TLS support via config
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.OtelTraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (ShutdownFunc, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
