package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ammofeeds/ingestor/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "up") })
	r.GET("/runs/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })
	return r
}

func serve(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "s3cret"}})
	r := newRouter(SecretKeyAuthMiddleware())

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		status  int
	}{
		{name: "health is open", path: "/", status: http.StatusOK},
		{name: "missing key", path: "/runs/run_1", status: http.StatusUnauthorized},
		{name: "wrong key", path: "/runs/run_1", headers: map[string]string{KeyHeader: "nope"}, status: http.StatusUnauthorized},
		{name: "valid key", path: "/runs/run_1", headers: map[string]string{KeyHeader: "s3cret"}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(r, tt.path, tt.headers).Code)
		})
	}
}

func TestSecretKeyAuthMiddleware_NoKeyConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true}})
	r := newRouter(SecretKeyAuthMiddleware())
	assert.Equal(t, http.StatusInternalServerError, serve(r, "/runs/run_1", map[string]string{KeyHeader: "x"}).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rps := 1.0
	burst := 1
	cleanup := 60
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{
		RequestsPerSecond:  &rps,
		Burst:              &burst,
		CleanupIntervalSec: &cleanup,
	}}
	r := newRouter(RateLimitMiddleware(conf))

	assert.Equal(t, http.StatusOK, serve(r, "/runs/run_1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "/runs/run_1", nil).Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	r := newRouter(RateLimitMiddleware(&config.Configuration{}))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(r, "/runs/run_1", nil).Code)
	}
}
