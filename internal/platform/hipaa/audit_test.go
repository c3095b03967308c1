package hipaa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestAuditEvent_Fill(t *testing.T) {
	e := AuditEvent{TypeCode: "critical-value.detected"}
	e.fill()

	if e.ID == uuid.Nil {
		t.Error("expected id to be generated")
	}
	if e.Recorded.IsZero() {
		t.Error("expected recorded timestamp to be set")
	}
	if e.Outcome != OutcomeSuccess {
		t.Errorf("expected outcome %q, got %q", OutcomeSuccess, e.Outcome)
	}
}

func TestAuditEvent_FillKeepsExisting(t *testing.T) {
	id := uuid.New()
	e := AuditEvent{ID: id, Outcome: OutcomeSerious}
	e.fill()

	if e.ID != id {
		t.Errorf("expected id %s to be preserved, got %s", id, e.ID)
	}
	if e.Outcome != OutcomeSerious {
		t.Errorf("expected outcome %q, got %q", OutcomeSerious, e.Outcome)
	}
}

func TestMultiSink_ForwardsToAll(t *testing.T) {
	var got []string
	a := SinkFunc(func(_ context.Context, e AuditEvent) error {
		got = append(got, "a:"+e.TypeCode)
		return nil
	})
	b := SinkFunc(func(_ context.Context, e AuditEvent) error {
		got = append(got, "b:"+e.TypeCode)
		return nil
	})

	m := MultiSink{a, nil, b}
	if err := m.Record(context.Background(), AuditEvent{TypeCode: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Errorf("unexpected forwarding: %v", got)
	}
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	errA := errors.New("db down")
	errB := errors.New("redis down")
	calls := 0
	m := MultiSink{
		SinkFunc(func(context.Context, AuditEvent) error { calls++; return errA }),
		SinkFunc(func(context.Context, AuditEvent) error { calls++; return nil }),
		SinkFunc(func(context.Context, AuditEvent) error { calls++; return errB }),
	}

	err := m.Record(context.Background(), AuditEvent{})
	if calls != 3 {
		t.Errorf("expected every sink to be called, got %d calls", calls)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("expected joined error containing both causes, got %v", err)
	}
}

func TestMultiSink_SharesGeneratedID(t *testing.T) {
	var ids []uuid.UUID
	rec := SinkFunc(func(_ context.Context, e AuditEvent) error {
		ids = append(ids, e.ID)
		return nil
	})
	m := MultiSink{rec, rec}
	if err := m.Record(context.Background(), AuditEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != ids[1] || ids[0] == uuid.Nil {
		t.Errorf("expected both sinks to see the same generated id, got %v", ids)
	}
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	entity := uuid.New()

	err := sink.Record(context.Background(), AuditEvent{
		TypeCode:   "critical-value.acknowledged",
		Action:     "U",
		AgentName:  "dr-house",
		EntityType: "CriticalValue",
		EntityID:   entity,
		PatientID:  "patient-1",
		Detail:     map[string]string{"complianceStatus": "COMPLIANT"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["type"] != "hipaa_audit" {
		t.Errorf("expected type hipaa_audit, got %v", line["type"])
	}
	if line["event_type"] != "critical-value.acknowledged" {
		t.Errorf("unexpected event_type %v", line["event_type"])
	}
	if line["entity_id"] != entity.String() {
		t.Errorf("unexpected entity_id %v", line["entity_id"])
	}
	if line["level"] != "info" {
		t.Errorf("expected info level for success outcome, got %v", line["level"])
	}
	detail, _ := line["detail"].(map[string]interface{})
	if detail["complianceStatus"] != "COMPLIANT" {
		t.Errorf("expected detail to be carried, got %v", line["detail"])
	}
}

func TestLogSink_FailureIsWarn(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	_ = sink.Record(context.Background(), AuditEvent{TypeCode: "critical-value.notification", Outcome: OutcomeMinorFailure})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["level"] != "warn" {
		t.Errorf("expected warn level, got %v", line["level"])
	}
}
