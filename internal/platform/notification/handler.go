package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// NotificationHandler exposes the delivery log over HTTP via Echo.
type NotificationHandler struct {
	gateway *ChannelGateway
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(gw *ChannelGateway) *NotificationHandler {
	return &NotificationHandler{gateway: gw}
}

// RegisterRoutes registers all notification routes on the given Echo group.
func (h *NotificationHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleGet handles GET /notifications/:id.
func (h *NotificationHandler) HandleGet(c echo.Context) error {
	n, err := h.gateway.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=&status=&critical_value_id=&limit=
func (h *NotificationHandler) HandleList(c echo.Context) error {
	f := ListFilter{
		Recipient: c.QueryParam("recipient"),
		Status:    c.QueryParam("status"),
	}
	if v := c.QueryParam("critical_value_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid critical_value_id"})
		}
		f.CriticalValueID = id
	}
	limit := 100
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	return c.JSON(http.StatusOK, h.gateway.List(f, limit))
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *NotificationHandler) HandleRetry(c echo.Context) error {
	n, err := h.gateway.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotRetryable):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		// Delivery failed again; the record carries the new error.
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *NotificationHandler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.gateway.Stats())
}
