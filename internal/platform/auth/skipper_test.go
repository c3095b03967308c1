package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextForPath(path string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestAuthSkipper(t *testing.T) {
	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		if !AuthSkipper(contextForPath(path)) {
			t.Errorf("expected AuthSkipper to return true for %s", path)
		}
	}
	for _, path := range []string{"/api/v1/critical-values", "/api/v1/critical-values/check", "/", "/health/extra"} {
		if AuthSkipper(contextForPath(path)) {
			t.Errorf("expected AuthSkipper to return false for %s", path)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/metrics") {
		t.Error("expected /metrics to be public")
	}
	if IsPublicPath("/api/v1/notifications") {
		t.Error("expected /api/v1/notifications to NOT be public")
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := mustJWT(t, JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})

	var handlerCalled bool
	err := mw(func(c echo.Context) error {
		handlerCalled = true
		return c.String(http.StatusOK, "ok")
	})(contextForPath("/health"))
	if err != nil {
		t.Fatalf("expected no error for skipped path, got: %v", err)
	}
	if !handlerCalled {
		t.Error("expected handler to be called for skipped path")
	}

	err = mw(okHandler)(contextForPath("/api/v1/critical-values"))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	err := DevAuthMiddleware(AuthSkipper)(func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "" {
			t.Errorf("expected empty user_id on skipped path, got %s", uid)
		}
		return c.String(http.StatusOK, "ok")
	})(contextForPath("/health"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
