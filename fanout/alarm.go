// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"fmt"
	"log/slog"
)

// Alarmer is told when an unauthorized app opens its first handle.
type Alarmer interface {
	UnauthorizedApp(ctx context.Context, queue, appID string)
}

// LogAlarmer writes alarms as error records.
type LogAlarmer struct {
	Logger *slog.Logger
}

func (a LogAlarmer) UnauthorizedApp(ctx context.Context, queue, appID string) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx,
		fmt.Sprintf("ALARM [UNAUTHORIZED_APP_ID] queue [%s] opened by unauthorized appId '%s'", queue, appID),
		slog.String("queue", queue),
		slog.String("app_id", appID))
}
