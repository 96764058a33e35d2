package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logPath := filepath.Join(t.TempDir(), "relay.log")
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		OutputPath: logPath,
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestLogger(log, "test"))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/sessions", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("store unavailable"))
		c.Status(http.StatusInternalServerError)
	})

	for _, path := range []string{"/health", "/sessions", "/boom"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}
	_ = log.Sync()

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	out := string(raw)

	assert.Contains(t, out, `"path":"/sessions"`)
	assert.Contains(t, out, `"level":"debug"`)

	assert.Contains(t, out, `"path":"/boom"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "store unavailable")

	// Liveness probes stay out of the log.
	assert.NotContains(t, out, "/health")
}
