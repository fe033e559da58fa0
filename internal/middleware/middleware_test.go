package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/metrics"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRecovery_PanicHandling(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ErrInternal.Code, resp.Code)
}

func TestRecovery_NoPanic(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTrace(t *testing.T) {
	r := gin.New()
	r.Use(Trace())

	var seen string
	var ctxLogger *zap.Logger
	r.GET("/trace", func(c *gin.Context) {
		seen = c.GetString(TraceIDKey)
		ctxLogger = logger.WithContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	// 沿用请求头
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "trace-123", seen)
	assert.Equal(t, "trace-123", w.Header().Get(TraceIDHeader))
	assert.NotSame(t, logger.L(), ctxLogger)

	// 生成新的 TraceID
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trace", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get(TraceIDHeader))
}

func TestLogger_LevelByStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	// 以观察者 logger 替换 context logger
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.NewContextWithLogger(c.Request.Context(), zap.New(core)))
		c.Next()
	})
	r.Use(Logger())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/ok", "/bad", "/fail"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "/fail", entries[2].ContextMap()["path"])
}

func TestMetricsMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/v1/projects/:projectId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/projects/:projectId", "200")
	initial := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/projects/42", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, initial+1, testutil.ToFloat64(counter))
}

func TestMetricsMiddleware_SkipsMetricsEndpoint(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, "prometheus metrics")
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/metrics", "200")
	initial := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, initial, testutil.ToFloat64(counter))
}
