package builds

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bindery-io/bindery/internal/adapters/out/ratelimit"
	"github.com/bindery-io/bindery/internal/boundaries/in"
	"github.com/bindery-io/bindery/internal/domain"
)

func submitBody() string {
	return `{
		"bundles": ["quay.io/ns/bundle@sha256:aaaa"],
		"from_index": "quay.io/ns/index:v4.18",
		"binary_image": "quay.io/ops/opm:v1.26"
	}`
}

func postFrom(e *echo.Echo, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds/add", strings.NewReader(submitBody()))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRateLimit_ThrottlesPerClient(t *testing.T) {
	svc := new(MockBuildService)
	svc.On("Submit", mock.Anything, domain.KindAdd, mock.Anything, mock.Anything).
		Return(&in.BatchStatus{ID: "batch-1", State: domain.StateQueued}, nil)

	// Burst of one and a negligible refill rate: the second request from
	// the same client must be rejected.
	limiter := ratelimit.NewMemoryStore(0.001, 1)
	e := newTestServer(svc, SubmitRateLimit(limiter))

	first := postFrom(e, "192.0.2.10:41000")
	require.Equal(t, http.StatusCreated, first.Code)

	second := postFrom(e, "192.0.2.10:41002")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate limit exceeded")

	// A different client keeps its own bucket.
	other := postFrom(e, "198.51.100.7:41000")
	assert.Equal(t, http.StatusCreated, other.Code)
}

func TestSubmitRateLimit_ReadsAreNotThrottled(t *testing.T) {
	svc := new(MockBuildService)
	svc.On("Submit", mock.Anything, domain.KindAdd, mock.Anything, mock.Anything).
		Return(&in.BatchStatus{ID: "batch-1", State: domain.StateQueued}, nil)
	svc.On("Requests", mock.Anything, mock.Anything).
		Return([]*domain.Request{}, 0, nil)

	limiter := ratelimit.NewMemoryStore(0.001, 1)
	e := newTestServer(svc, SubmitRateLimit(limiter))

	require.Equal(t, http.StatusCreated, postFrom(e, "192.0.2.10:41000").Code)
	require.Equal(t, http.StatusTooManyRequests, postFrom(e, "192.0.2.10:41002").Code)

	rec := doRequest(e, http.MethodGet, "/api/v1/builds", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func realIP(e *echo.Echo, remoteAddr, xff string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	return e.NewContext(req, httptest.NewRecorder()).RealIP()
}

func TestTrustedProxyExtractor(t *testing.T) {
	e := echo.New()
	e.IPExtractor = TrustedProxyExtractor([]string{"10.0.0.0/8", "198.51.100.7"})

	assert.Equal(t, "203.0.113.9", realIP(e, "10.1.2.3:5000", "203.0.113.9"))
	assert.Equal(t, "203.0.113.9", realIP(e, "198.51.100.7:5000", "203.0.113.9"))
	// The forwarded header from an unlisted peer is ignored.
	assert.Equal(t, "192.0.2.50", realIP(e, "192.0.2.50:5000", "203.0.113.9"))
}

func TestTrustedProxyExtractor_NoProxies(t *testing.T) {
	e := echo.New()
	e.IPExtractor = TrustedProxyExtractor(nil)

	assert.Equal(t, "192.0.2.50", realIP(e, "192.0.2.50:5000", "203.0.113.9"))
}

func TestSubmitRateLimit_NilLimiterPassesThrough(t *testing.T) {
	svc := new(MockBuildService)
	svc.On("Submit", mock.Anything, domain.KindAdd, mock.Anything, mock.Anything).
		Return(&in.BatchStatus{ID: "batch-1", State: domain.StateQueued}, nil)

	e := newTestServer(svc, SubmitRateLimit(nil))

	for i := 0; i < 5; i++ {
		rec := postFrom(e, "192.0.2.10:41000")
		require.Equal(t, http.StatusCreated, rec.Code)
	}
}
