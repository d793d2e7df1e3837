package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type okDB struct{}

func (okDB) Ping(context.Context) error { return nil }
func (okDB) Health() map[string]any     { return nil }

func TestNewRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Config{Version: "1.0.0"}, Dependencies{DB: okDB{}, Gatherer: prometheus.NewRegistry()}, zerolog.Nop())

	for _, path := range []string{"/health", "/health/db", "/metrics", "/version"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		r.Engine.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: expected status 200, got %d", path, w.Code)
		}
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/backups", nil)
	r.Engine.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", w.Code)
	}
}
