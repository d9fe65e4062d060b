package backplane

import (
	"context"
	"log/slog"

	"github.com/rafaeljc/heimdall-streaming/internal/observability"
)

func recordPublish(transport string, err error) {
	status := "success"
	if err != nil {
		status = "fail"
	}
	observability.BackplanePublished.WithLabelValues(transport, status).Inc()
}

// deliver runs a handler for adapters without redelivery: failures are logged and dropped.
func deliver(ctx context.Context, log *slog.Logger, transport string, handler Handler, msg Message) {
	observability.BackplaneReceived.WithLabelValues(transport).Inc()

	if err := handler(ctx, msg); err != nil {
		observability.BackplaneDropped.WithLabelValues("handler_failed").Inc()
		log.Warn("backplane handler failed",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
	}
}
