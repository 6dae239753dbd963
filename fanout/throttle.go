// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttledLogger drops repeated warnings beyond a rate and reports how
// many were dropped with the next one it lets through.
type throttledLogger struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func newThrottledLogger(logger *slog.Logger, every time.Duration, burst int) *throttledLogger {
	return &throttledLogger{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (t *throttledLogger) Warn(msg string, args ...any) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		args = append(args, slog.Int64("suppressed", n))
	}
	t.logger.Warn(msg, args...)
}
