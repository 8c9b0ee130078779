package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSHandler(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		cfg        CORSConfig
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantOrigin string
	}{
		{"wildcard", DefaultCORSConfig(), http.MethodGet, "https://a.example", false, http.StatusTeapot, "*"},
		{"listed origin", CORSConfig{AllowOrigins: []string{"https://a.example"}}, http.MethodPost, "https://a.example", false, http.StatusTeapot, "https://a.example"},
		{"unlisted origin", CORSConfig{AllowOrigins: []string{"https://a.example"}}, http.MethodPost, "https://b.example", false, http.StatusTeapot, ""},
		{"preflight", DefaultCORSConfig(), http.MethodOptions, "https://a.example", true, http.StatusNoContent, "*"},
		{"options without preflight header", DefaultCORSConfig(), http.MethodOptions, "https://a.example", false, http.StatusTeapot, "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/mcp/message", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()

			CORSHandler(tt.cfg, next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.preflight {
				if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
					t.Errorf("Allow-Methods = %q", got)
				}
				if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
					t.Errorf("Max-Age = %q", got)
				}
			}
		})
	}
}

func TestHTTP_WithCORS(t *testing.T) {
	h := NewHTTP(":0", WithCORS(DefaultCORSConfig()))
	handler := h.Handler(&fakeHandler{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://a.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}
