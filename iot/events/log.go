package events

import (
	"context"

	"github.com/relabs-tech/devicecloud/core/logger"
)

// LogSink writes events to the context logger
type LogSink struct{}

// Publish implements Sink
func (LogSink) Publish(ctx context.Context, events ...Event) error {
	rlog := logger.FromContext(ctx)
	for _, e := range events {
		rlog.WithField("event", e.Type).WithField("eventID", e.ID).
			WithField("device", e.DeviceID).WithField("job", e.JobID).Infoln("domain event")
	}
	return nil
}
