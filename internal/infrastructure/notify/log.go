package notify

import (
	"context"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

// Log writes notifications to the service log. Used when no broker is configured.
type Log struct {
	log observability.Logger
}

func NewLog(log observability.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Publish(ctx context.Context, e outbox.Event) error {
	logctx.FromOr(ctx, l.log).Info("order_notification",
		observability.F("event", e.EventName()),
		observability.F("payload", e),
	)
	return nil
}
