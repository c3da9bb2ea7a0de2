package middleware

import (
	"strings"

	"github.com/osvaldoandrade/mediaq/pkg/auth"
	"github.com/osvaldoandrade/mediaq/pkg/config"

	"github.com/gin-gonic/gin"
)

// GetWorkspaceID returns the workspace the authenticated caller belongs to.
func GetWorkspaceID(c *gin.Context) string {
	if v, ok := c.Get("workspaceID"); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func resolveWorkspaceID(c *gin.Context, cfg *config.Config, claims *auth.Claims) string {
	if claims != nil {
		if id := strings.TrimSpace(claims.WorkspaceID); id != "" {
			return id
		}
		// Single-workspace tokens fall back to the subject.
		if id := strings.TrimSpace(claims.Subject); id != "" && id != "anonymous" {
			return id
		}
	}
	if strings.EqualFold(cfg.Env, "dev") {
		if id := strings.TrimSpace(c.GetHeader("X-Workspace-Id")); id != "" {
			return id
		}
	}
	return "default"
}
