// Package auth guards the admin API surface with bearer tokens loaded
// from a file at startup.
package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/pkg/types"
)

// Validator handles admin API authentication
type Validator struct {
	apiTokens map[string]bool
}

// NewValidator loads the accepted token set. An empty path leaves the
// surface open, which is only acceptable for development.
func NewValidator(tokenFile string) (*Validator, error) {
	v := &Validator{apiTokens: make(map[string]bool)}

	if tokenFile == "" {
		logrus.Warn("No API tokens file configured, admin API is unauthenticated")
		return v, nil
	}

	content, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read API tokens: %w", err)
	}

	// Simple token list (one per line)
	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" {
			v.apiTokens[token] = true
		}
	}
	if len(v.apiTokens) == 0 {
		return nil, fmt.Errorf("API tokens file %s contains no tokens", tokenFile)
	}

	return v, nil
}

// Middleware returns Gin middleware for admin authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(v.apiTokens) == 0 || v.validateAPIToken(c) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(401, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide a valid API token",
			Code:    401,
		})
	}
}

// validateAPIToken validates the token from the Authorization or
// X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return v.apiTokens[strings.TrimPrefix(authHeader, "Bearer ")]
	}

	token := c.GetHeader("X-API-Token")
	if token != "" {
		return v.apiTokens[token]
	}

	return false
}
