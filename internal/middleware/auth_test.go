package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/osvaldoandrade/mediaq/pkg/auth"
	"github.com/osvaldoandrade/mediaq/pkg/auth/static"
	"github.com/osvaldoandrade/mediaq/pkg/config"

	"github.com/gin-gonic/gin"
)

func staticValidator(t *testing.T, cfgJSON string) auth.Validator {
	t.Helper()
	v, err := static.NewValidatorFromJSON(json.RawMessage(cfgJSON))
	if err != nil {
		t.Fatalf("static validator: %v", err)
	}
	return v
}

func runAuth(t *testing.T, validator auth.Validator, cfg *config.Config, authorization string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/v1/mediaq/tasks", nil)
	if authorization != "" {
		ctx.Request.Header.Set("Authorization", authorization)
	}
	AuthMiddleware(validator, cfg)(ctx)
	return ctx, rec
}

func TestAuthValidToken(t *testing.T) {
	v := staticValidator(t, `{"token":"t-1","subject":"s-1","email":"user@local","workspaceId":"ws-9"}`)
	cfg := &config.Config{Env: "test"}

	ctx, _ := runAuth(t, v, cfg, "Bearer t-1")

	if ctx.IsAborted() {
		t.Fatal("expected request to pass")
	}
	if got, _ := ctx.Get("userEmail"); got != "user@local" {
		t.Fatalf("expected userEmail set, got %v", got)
	}
	if GetWorkspaceID(ctx) != "ws-9" {
		t.Fatalf("expected workspace ws-9, got %s", GetWorkspaceID(ctx))
	}
}

func TestAuthInvalidToken(t *testing.T) {
	v := staticValidator(t, `{"token":"t-1"}`)
	cfg := &config.Config{Env: "test"}

	ctx, rec := runAuth(t, v, cfg, "Bearer wrong")

	if !ctx.IsAborted() || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMissingHeader(t *testing.T) {
	v := staticValidator(t, `{"token":"t-1"}`)
	cfg := &config.Config{Env: "test"}

	ctx, rec := runAuth(t, v, cfg, "")

	if !ctx.IsAborted() || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthBadScheme(t *testing.T) {
	v := staticValidator(t, `{"token":"t-1"}`)
	cfg := &config.Config{Env: "test"}

	ctx, rec := runAuth(t, v, cfg, "Basic t-1")

	if !ctx.IsAborted() || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthDevPassthroughWithoutValidator(t *testing.T) {
	cfg := &config.Config{Env: "dev"}

	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/v1/mediaq/tasks", nil)
	ctx.Request.Header.Set("X-Workspace-Id", "ws-dev")
	AuthMiddleware(nil, cfg)(ctx)

	if ctx.IsAborted() {
		t.Fatal("expected dev passthrough")
	}
	if GetWorkspaceID(ctx) != "ws-dev" {
		t.Fatalf("expected workspace from header, got %s", GetWorkspaceID(ctx))
	}
}

func TestAuthMissingValidatorOutsideDev(t *testing.T) {
	cfg := &config.Config{Env: "prod"}

	ctx, rec := runAuth(t, nil, cfg, "Bearer t-1")

	if !ctx.IsAborted() || rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequireAdminRole(t *testing.T) {
	v := staticValidator(t, `{"token":"t-1","raw":{"role":"ADMIN"}}`)
	cfg := &config.Config{Env: "test"}

	ctx, _ := runAuth(t, v, cfg, "Bearer t-1")
	RequireAdmin()(ctx)
	if ctx.IsAborted() {
		t.Fatal("expected admin to pass")
	}

	v = staticValidator(t, `{"token":"t-2"}`)
	ctx, rec := runAuth(t, v, cfg, "Bearer t-2")
	RequireAdmin()(ctx)
	if !ctx.IsAborted() || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-admin, got %d", rec.Code)
	}
}
