package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestVersionGet(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		r := gin.New()
		NewVersionHandler(VersionInfo{Version: "1.0.0", Commit: "abc1234", BuildDate: "2026-01-15T10:30:00Z"}).RegisterPublicRoutes(r)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/version", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var resp VersionInfo
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.Version != "1.0.0" || resp.Commit != "abc1234" || resp.BuildDate != "2026-01-15T10:30:00Z" {
			t.Fatalf("unexpected version info %+v", resp)
		}
	})

	t.Run("empty fields omitted", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		r := gin.New()
		NewVersionHandler(VersionInfo{Version: "dev"}).RegisterPublicRoutes(r)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/version", nil)
		r.ServeHTTP(w, req)

		var raw map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if _, ok := raw["commit"]; ok {
			t.Fatal("expected commit to be omitted")
		}
	})
}
