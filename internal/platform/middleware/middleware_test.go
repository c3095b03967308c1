package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/critvalue/internal/platform/auth"
	"github.com/ehr/critvalue/internal/platform/hipaa"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/critical-values", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	}

	if err := Logger(logger)(handler)(c); err == nil {
		t.Fatal("expected handler error to pass through")
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["level"] != "warn" {
		t.Errorf("expected warn level for 404, got %v", line["level"])
	}
	if line["status"] != float64(404) {
		t.Errorf("expected status 404, got %v", line["status"])
	}
	if line["request_id"] != "req-1" {
		t.Errorf("expected request_id req-1, got %v", line["request_id"])
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.Nop()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(logger)(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders_SetsHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/critical-values", nil), rec)

	if err := SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []hipaa.AuditEvent
	err    error
}

func (s *captureSink) Record(_ context.Context, ev hipaa.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func TestAudit_RecordsReads(t *testing.T) {
	sink := &captureSink{}
	id := uuid.New()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/critical-values/"+id.String(), nil)
	req = req.WithContext(auth.WithUser(req.Context(), "dr-grey", []string{auth.RolePhysician}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	c.Set("request_id", "req-123")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	if err := Audit(zerolog.Nop(), sink)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.TypeCode != AuditRead || ev.Action != "R" {
		t.Errorf("unexpected type/action %s/%s", ev.TypeCode, ev.Action)
	}
	if ev.EntityType != "critical-values" || ev.EntityID != id {
		t.Errorf("unexpected entity %s/%s", ev.EntityType, ev.EntityID)
	}
	if ev.AgentName != "dr-grey" {
		t.Errorf("expected agent dr-grey, got %s", ev.AgentName)
	}
	if ev.Outcome != hipaa.OutcomeSuccess {
		t.Errorf("expected success outcome, got %s", ev.Outcome)
	}
	if ev.Detail["request_id"] != "req-123" {
		t.Errorf("expected request id in detail, got %v", ev.Detail)
	}
}

func TestAudit_SkipsWritesAndInfrastructure(t *testing.T) {
	sink := &captureSink{}
	e := echo.New()
	handler := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/v1/critical-values/check", nil),
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodGet, "/metrics", nil),
	} {
		if err := Audit(zerolog.Nop(), sink)(handler)(e.NewContext(r, httptest.NewRecorder())); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(sink.events) != 0 {
		t.Errorf("expected no audit events, got %d", len(sink.events))
	}
}

func TestAudit_SinkFailureDoesNotFailRequest(t *testing.T) {
	sink := &captureSink{err: context.DeadlineExceeded}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/critical-values", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := Audit(zerolog.Nop(), sink)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage")
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected handler error to pass through, got %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].Outcome != hipaa.OutcomeSerious {
		t.Errorf("expected one serious-outcome event, got %+v", sink.events)
	}
}
