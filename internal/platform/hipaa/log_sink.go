package hipaa

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink emits audit events as structured log lines. It is the fallback
// used when no durable audit store is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event AuditEvent) error {
	event.fill()
	evt := s.logger.Info()
	if event.Outcome != OutcomeSuccess {
		evt = s.logger.Warn()
	}
	d := zerolog.Dict()
	for k, v := range event.Detail {
		d = d.Str(k, v)
	}
	evt.
		Str("type", "hipaa_audit").
		Str("audit_id", event.ID.String()).
		Str("event_type", event.TypeCode).
		Str("action", event.Action).
		Str("outcome", event.Outcome).
		Str("outcome_desc", event.OutcomeDesc).
		Str("agent", event.AgentName).
		Str("entity_type", event.EntityType).
		Str("entity_id", event.EntityID.String()).
		Str("patient_id", event.PatientID).
		Dict("detail", d).
		Time("recorded", event.Recorded).
		Msg("audit_event")
	return nil
}
