package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
		not   []string
	}{
		{name: "empty", query: ""},
		{name: "nothing sensitive", query: "limit=10&page=2", want: []string{"limit=10&page=2"}},
		{
			name:  "presigned signature",
			query: "X-Amz-Signature=deadbeef&X-Amz-Expires=3600",
			want:  []string{"X-Amz-Signature=%5BREDACTED%5D", "X-Amz-Expires=3600"},
			not:   []string{"deadbeef"},
		},
		{
			name:  "token",
			query: "token=abc123",
			want:  []string{"token=%5BREDACTED%5D"},
			not:   []string{"abc123"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactQueryString(tt.query)
			if tt.query == "" && got != "" {
				t.Fatalf("expected empty, got %q", got)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("expected %q in %q", w, got)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Fatalf("expected %q to be redacted from %q", n, got)
				}
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		path   string
		status int
		level  string
	}{
		{"ok", "/health", http.StatusOK, "info"},
		{"client error", "/missing", http.StatusNotFound, "warn"},
		{"server error", "/boom", http.StatusInternalServerError, "error"},
		{"scrape", "/metrics", http.StatusOK, "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := gin.New()
			r.Use(RequestLogger(zerolog.New(&buf)))
			r.GET(tt.path, func(c *gin.Context) { c.Status(tt.status) })

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", tt.path+"?token=secret-value", nil)
			r.ServeHTTP(w, req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.level {
				t.Fatalf("expected level %q, got %v", tt.level, entry["level"])
			}
			if entry["path"] != tt.path {
				t.Fatalf("expected path %q, got %v", tt.path, entry["path"])
			}
			if entry["status"] != float64(tt.status) {
				t.Fatalf("expected status %d, got %v", tt.status, entry["status"])
			}
			if strings.Contains(buf.String(), "secret-value") {
				t.Fatal("token leaked into the log")
			}
		})
	}
}
