package critical

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/critvalue/internal/platform/auth"
	"github.com/ehr/critvalue/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/critical-values")

	// Read endpoints – admin, physician, nurse, lab_tech
	read := g.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleLabTech))
	read.GET("", h.List)
	read.GET("/statistics", h.Statistics)
	read.GET("/ranges", h.Ranges)
	read.GET("/:id", h.Get)

	// Result intake – admin, lab_tech
	g.POST("/check", h.Check, auth.RequireRole(auth.RoleLabTech))

	// Acknowledgment – admin, physician, nurse
	g.POST("/:id/acknowledge", h.Acknowledge, auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
}

type checkRequest struct {
	PatientID   string   `json:"patientId"`
	MRN         *string  `json:"mrn"`
	TestName    string   `json:"testName"`
	Value       *float64 `json:"value"`
	OrderedBy   *string  `json:"orderedBy"`
	PerformedBy *string  `json:"performedBy"`
}

type checkResponse struct {
	Critical               bool           `json:"critical"`
	Severity               Severity       `json:"severity,omitempty"`
	Priority               Priority       `json:"priority,omitempty"`
	CriticalValue          *CriticalValue `json:"criticalValue,omitempty"`
	RequiresAcknowledgment bool           `json:"requiresAcknowledgment,omitempty"`
	EscalationTime         string         `json:"escalationTime"`
}

type ackRequest struct {
	AcknowledgedBy string  `json:"acknowledgedBy"`
	Notes          *string `json:"notes"`
	ActionTaken    *string `json:"actionTaken"`
}

type ackResponse struct {
	Acknowledgment   *Acknowledgment  `json:"acknowledgment"`
	ComplianceStatus ComplianceStatus `json:"complianceStatus"`
}

func (h *Handler) Check(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value: is required")
	}
	performedBy := req.PerformedBy
	if performedBy == nil {
		if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
			performedBy = &uid
		}
	}

	res, err := h.svc.Record(c.Request().Context(), ResultInput{
		PatientID:   req.PatientID,
		MRN:         req.MRN,
		TestName:    req.TestName,
		Value:       *req.Value,
		OrderedBy:   req.OrderedBy,
		PerformedBy: performedBy,
	})
	if err != nil {
		return httpError(err)
	}

	resp := checkResponse{
		Critical:       res.Classification.Critical,
		EscalationTime: formatWindow(h.svc.Window()),
	}
	if res.CriticalValue != nil {
		resp.Severity = res.Classification.Severity
		resp.Priority = res.Classification.Priority
		resp.CriticalValue = res.CriticalValue
		resp.RequiresAcknowledgment = true
		return c.JSON(http.StatusCreated, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.AcknowledgedBy) == "" {
		req.AcknowledgedBy = auth.UserIDFromContext(c.Request().Context())
	}

	ack, err := h.svc.Acknowledge(c.Request().Context(), id, AckInput{
		AcknowledgedBy: req.AcknowledgedBy,
		Notes:          req.Notes,
		ActionTaken:    req.ActionTaken,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ackResponse{Acknowledgment: ack, ComplianceStatus: ack.ComplianceStatus})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cv, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cv)
}

func (h *Handler) List(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Next = pg.NextURL(c.Request().URL, total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Statistics(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Statistics(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Ranges(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ranges": h.svc.Evaluator().Table().All(),
	})
}

func filterFromQuery(c echo.Context) (Filter, error) {
	var f Filter
	if v := c.QueryParam("status"); v != "" {
		s := State(strings.ToUpper(v))
		if _, ok := transitions[s]; !ok {
			return f, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
		}
		f.State = s
	}
	if v := c.QueryParam("priority"); v != "" {
		p := Priority(strings.ToUpper(v))
		if p != PriorityCritical && p != PriorityHigh {
			return f, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown priority %q", v))
		}
		f.Priority = p
	}
	f.TestName = c.QueryParam("testName")
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC3339 timestamp", p.name))
		}
		*p.dst = &t
	}
	return f, nil
}

func httpError(err error) error {
	var verr *ValidationError
	var serr *StorageError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "critical value not found")
	case errors.Is(err, ErrAlreadyAcknowledged):
		return echo.NewHTTPError(http.StatusConflict, "critical value already acknowledged")
	case errors.As(err, &serr):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// formatWindow renders whole-minute windows as "15 minutes".
func formatWindow(d time.Duration) string {
	m := d.Minutes()
	if m != math.Trunc(m) {
		return d.String()
	}
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", int(m))
}
