package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api-tokens")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func protectedRouter(t *testing.T, v *Validator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(v.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return router
}

func TestValidatorAcceptsListedTokens(t *testing.T) {
	v, err := NewValidator(writeTokenFile(t, "tok-one\n\n  tok-two  \n"))
	require.NoError(t, err)
	router := protectedRouter(t, v)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer token", "Authorization", "Bearer tok-one", http.StatusOK},
		{"whitespace trimmed", "Authorization", "Bearer tok-two", http.StatusOK},
		{"x-api-token header", "X-API-Token", "tok-one", http.StatusOK},
		{"unknown token", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestValidatorOpenWhenUnconfigured(t *testing.T) {
	v, err := NewValidator("")
	require.NoError(t, err)
	router := protectedRouter(t, v)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidatorRejectsEmptyFile(t *testing.T) {
	_, err := NewValidator(writeTokenFile(t, "\n\n"))
	assert.Error(t, err)
}

func TestValidatorMissingFile(t *testing.T) {
	_, err := NewValidator(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
