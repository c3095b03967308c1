package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/critvalue/internal/platform/auth"
	"github.com/ehr/critvalue/internal/platform/hipaa"
)

// AuditRead is the audit type code for PHI disclosure over the read API.
const AuditRead = "critical-value-read"

// Audit returns middleware that records every read of critical value data
// under /api/v1/ as an audit event. Mutations are audited by the service that
// performs them, so only GET and HEAD requests are recorded here.
//
// Sink failures are logged and never fail the request.
func Audit(logger zerolog.Logger, sink hipaa.Sink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			ctx := req.Context()

			event := hipaa.AuditEvent{
				TypeCode:   AuditRead,
				Action:     "R",
				Outcome:    outcomeFor(status),
				AgentName:  auth.UserIDFromContext(ctx),
				EntityType: resourceType(req.URL.Path),
				PatientID:  c.QueryParam("patientId"),
				Detail: map[string]string{
					"method":     req.Method,
					"path":       req.URL.Path,
					"status":     strconv.Itoa(status),
					"request_id": rid,
					"remote_ip":  c.RealIP(),
					"roles":      strings.Join(auth.RolesFromContext(ctx), ","),
				},
			}
			if id, perr := uuid.Parse(c.Param("id")); perr == nil {
				event.EntityID = id
			}

			if recErr := sink.Record(ctx, event); recErr != nil {
				logger.Error().Err(recErr).
					Str("request_id", rid).
					Msg("failed to record read audit event")
			}
			return err
		}
	}
}

func isAuditable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return strings.HasPrefix(req.URL.Path, "/api/v1/")
}

func outcomeFor(status int) string {
	switch {
	case status >= 500:
		return hipaa.OutcomeSerious
	case status >= 400:
		return hipaa.OutcomeMinorFailure
	default:
		return hipaa.OutcomeSuccess
	}
}

// resourceType returns the first path segment after /api/v1/.
func resourceType(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if seg, _, _ := strings.Cut(rest, "/"); seg != "" {
		return seg
	}
	return "unknown"
}
