package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"url-relay/internal/client"
	"url-relay/internal/metrics"
	"url-relay/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	cfg := loadConfig(t, "[metrics]\nenabled = true\npath = \"/internal/metrics\"\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hc := client.NewHTTPClient(cfg, logger, m)
	svc := service.NewRelayService(hc, cfg, logger, m)

	e := echo.New()
	RegisterRoutes(e, NewRelayHandler(svc, logger), NewHealthHandler(cfg, "test"), cfg, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /relay/status", http.MethodGet, "/relay/status", http.StatusOK},
		{"POST /relay without body", http.MethodPost, "/relay", http.StatusBadRequest},
		{"GET /relay not allowed", http.MethodGet, "/relay", http.StatusMethodNotAllowed},
		{"GET metrics", http.MethodGet, "/internal/metrics", http.StatusOK},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NoMetrics(t *testing.T) {
	cfg := loadConfig(t, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewRelayService(client.NewHTTPClient(cfg, logger, nil), cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, NewRelayHandler(svc, logger), NewHealthHandler(cfg, "test"), cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
