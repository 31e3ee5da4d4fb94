package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func adminRouter(ping Pinger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	admin := NewAdminHandlers(zap.NewNop(), ping, nil, nil, nil, nil)
	return NewAdminRouter(zap.NewNop(), admin)
}

func TestHealth_OK(t *testing.T) {
	r := adminRouter(func(context.Context) error { return nil })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestHealth_Degraded(t *testing.T) {
	r := adminRouter(func(context.Context) error { return errors.New("db down") })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestForceSweep_RejectsBadHours(t *testing.T) {
	r := adminRouter(func(context.Context) error { return nil })
	for _, q := range []string{"hours=abc", "hours=-2", "hours=0"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/memory/sweep?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestMainRouter_RoutesMCPAndHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	admin := NewAdminHandlers(zap.NewNop(), func(context.Context) error { return nil }, nil, nil, nil, nil)
	hit := false
	r := NewRouter(zap.NewNop(), "/mcp", func(c *gin.Context) {
		hit = true
		c.Status(http.StatusSwitchingProtocols)
	}, admin)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if !hit {
		t.Fatal("mcp handler not routed")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want 404", w.Code)
	}
}
