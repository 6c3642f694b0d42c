package telemetry

import (
	"github.com/rjboer/GoTX/internal/logging"
)

// StdoutReporter logs session events.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter writing through logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(ev Event) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "session", Value: ev.Session},
		{Key: "kind", Value: string(ev.Kind)},
		{Key: "state", Value: ev.State},
	}
	if ev.Message != "" {
		fields = append(fields, logging.Field{Key: "message", Value: ev.Message})
	}
	if ev.Kind == KindError {
		r.logger.Warn("session event", fields...)
		return
	}
	r.logger.Info("session event", fields...)
}
