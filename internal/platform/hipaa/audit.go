package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit outcome codes: 0 success, 4 minor failure, 8 serious failure.
const (
	OutcomeSuccess      = "0"
	OutcomeMinorFailure = "4"
	OutcomeSerious      = "8"
)

// AuditEvent is a single audit trail entry for a clinical safety action.
type AuditEvent struct {
	ID          uuid.UUID         `json:"id"`
	TypeCode    string            `json:"type_code"`
	Action      string            `json:"action"` // C/R/U/D/E
	Outcome     string            `json:"outcome"`
	OutcomeDesc string            `json:"outcome_desc,omitempty"`
	AgentName   string            `json:"agent_name,omitempty"`
	EntityType  string            `json:"entity_type"`
	EntityID    uuid.UUID         `json:"entity_id"`
	PatientID   string            `json:"patient_id,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	Recorded    time.Time         `json:"recorded"`
}

func (e *AuditEvent) fill() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
}

// Sink is a write-only destination for audit events. Callers treat a
// returned error as informational; it must never fail the audited action.
type Sink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event AuditEvent) error

func (f SinkFunc) Record(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(context.Context, AuditEvent) error { return nil }

// MultiSink forwards each event to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event AuditEvent) error {
	event.fill()
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AuditLogger writes audit events to the audit_event table.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record implements Sink.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) error {
	event.fill()
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("hipaa audit: encode detail: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO audit_event (
			id, type_code, action, outcome, outcome_desc, agent_name,
			entity_type, entity_id, patient_id, detail, recorded
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.ID, event.TypeCode, event.Action, event.Outcome, event.OutcomeDesc, event.AgentName,
		event.EntityType, event.EntityID, event.PatientID, detail, event.Recorded)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}
