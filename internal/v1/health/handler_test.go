package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, &fakePinger{})

	w := serve(h, "/health/live")
	require.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_Healthy(t *testing.T) {
	h := NewHandler(nil, &fakePinger{})

	w := serve(h, "/health/ready")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["store"])
	// Redis disabled counts as healthy in single-instance mode.
	assert.Equal(t, "healthy", resp.Checks["redis"])
}

func TestReadiness_StoreDown(t *testing.T) {
	h := NewHandler(nil, &fakePinger{err: errors.New("database is locked")})

	w := serve(h, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["store"])
}

func TestReadiness_NilStore(t *testing.T) {
	h := NewHandler(nil, nil)

	w := serve(h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
