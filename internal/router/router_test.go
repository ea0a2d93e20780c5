package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harborview/backoffice/internal/handler"
	"github.com/harborview/backoffice/internal/handler/admin"
	"github.com/harborview/backoffice/internal/registry"
	"github.com/harborview/backoffice/internal/repository/memory"
	"github.com/harborview/backoffice/pkg/logger"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()

	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	adminH := admin.NewHandler(memory.New(), memory.NewIncidentStore(), registry.New())
	r := NewRouter(handler.NewHandler(nil), adminH, log, Config{})
	r.Setup()
	return r
}

func get(r *Router, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestUnversionedHealthAndMetricsAliases(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
	assert.Equal(t, http.StatusOK, get(r, "/metrics").Code)
}

func TestVersionedHealthEndpoints(t *testing.T) {
	r := newTestRouter(t)

	for _, path := range []string{
		"/api/v1/health/live",
		"/api/v1/health/ready",
		"/api/v1/health/metrics",
	} {
		w := get(r, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.Equal(t, "1.0", get(r, "/api/v1/health/live").Header().Get("X-API-Version"))
}
