package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pumpsync/pumpsync/internal/api/middleware"
)

func TestLogger_RecordsRouteAndLevel(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{name: "success", status: http.StatusOK, level: "info"},
		{name: "client error", status: http.StatusConflict, level: "warn"},
		{name: "server error", status: http.StatusServiceUnavailable, level: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			r := chi.NewRouter()
			r.Use(middleware.RequestID)
			r.Use(middleware.Logger(logger))
			r.Get("/v1/pumps/{deviceId}", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})

			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/pumps/pump-1", http.NoBody))

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "/v1/pumps/{deviceId}", entry["route"])
			assert.Equal(t, "/v1/pumps/pump-1", entry["path"])
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, float64(4), entry["bytes"])
			assert.NotEmpty(t, entry["request_id"])
		})
	}
}

func TestLogger_IncludesOperator(t *testing.T) {
	var buf bytes.Buffer
	validator := &stubValidator{token: "good", claims: operatorClaims()}
	handler := middleware.Auth(validator)(middleware.Logger(zerolog.New(&buf))(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/v1/pumps", http.NoBody)
	req.Header.Set("Authorization", "Bearer good")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "op-alice", entry["operator"])
}

func TestMetrics_Middleware(t *testing.T) {
	m, err := middleware.NewMetrics()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	m.Middleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTracing_NamesSpanAfterRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := chi.NewRouter()
	r.Use(middleware.Tracing("pumpsync"))
	r.Post("/v1/pumps/{deviceId}/bolus", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/pumps/pump-1/bolus", http.NoBody))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /v1/pumps/{deviceId}/bolus", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
