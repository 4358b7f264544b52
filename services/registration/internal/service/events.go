package service

import (
	"context"
	"time"

	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/pkg/logger"
)

// publish is best effort: events never change the outcome of an operation.
func publish(ctx context.Context, bus events.Publisher, subject string, event any) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := bus.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}
