package worker

import (
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/events"
	"github.com/spec-kit/live-desk/internal/service"
)

// StartAuditWorker registers audit handlers and, when enabled, forwards every
// event to Kafka. The returned func detaches both and closes the sink.
func StartAuditWorker(dispatcher events.Dispatcher, audit *service.AuditService, sink *events.KafkaSink, logger *zap.Logger) func() {
	if audit != nil {
		audit.RegisterHandlers()
	}
	detach := func() {}
	if sink != nil && sink.Enabled() {
		detach = sink.Attach(dispatcher)
	}
	return func() {
		detach()
		if audit != nil {
			audit.Unregister()
		}
		if sink != nil {
			if err := sink.Close(); err != nil && logger != nil {
				logger.Warn("closing kafka sink failed", zap.Error(err))
			}
		}
	}
}
