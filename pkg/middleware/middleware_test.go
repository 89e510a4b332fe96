package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"a2a/internal/logger"
	"a2a/pkg/logging"
	"a2a/pkg/metrics"
)

func newEngine(log logger.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	metrics.RegisterAll()
	r := gin.New()
	r.Use(RecoveryMiddleware(log), RequestIDMiddleware(), LoggerMiddleware(log))
	r.GET("/items/:id", func(c *gin.Context) {
		c.String(http.StatusOK, logging.GetCorrelationID(c.Request.Context()))
	})
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })
	return r
}

func TestRequestIDPropagates(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newEngine(logger.NewWithCore(core))

	req := httptest.NewRequest(http.MethodGet, "/items/42?verbose=1", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-7", w.Body.String())
	assert.Equal(t, "req-7", w.Header().Get(RequestIDHeader))

	entries := logs.FilterMessage("HTTP request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-7", fields["correlation_id"])
	assert.Equal(t, "/items/:id", fields["route"])
	assert.Equal(t, "verbose=1", fields["query"])
}

func TestRequestIDGenerated(t *testing.T) {
	r := newEngine(logger.NopLogger())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/1", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())
}

func TestRecoveryReturnsInternalError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newEngine(logger.NewWithCore(core))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error","error_code":"INTERNAL_ERROR"}`, w.Body.String())
	assert.Len(t, logs.FilterMessage("Panic recovered").All(), 1)
}
