package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/drblury/latencyprobe/internal/runtime/logging"
)

func TestStatusRouter_Pretty(t *testing.T) {
	router := NewStatusRouter(prometheus.NewRegistry(), func() Status {
		return Status{Role: rolePublisher, Topic: "MinimalTopic", MatchState: "matched", Matched: 1, Sent: 3, LastIndex: 3}
	}, logging.NewNopLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"last_index":3`)
	assert.NotContains(t, rec.Body.String(), "\n  ")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?pretty", nil))
	assert.Contains(t, rec.Body.String(), "\n  \"role\": \"publisher\"")
}

func TestStatusRouter_UnknownPath(t *testing.T) {
	router := NewStatusRouter(prometheus.NewRegistry(), func() Status { return Status{} }, logging.NewNopLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
