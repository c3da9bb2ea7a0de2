package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/pkg/config"
	"github.com/osvaldoandrade/mediaq/pkg/domain"

	_ "github.com/osvaldoandrade/mediaq/pkg/auth/static"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

const producerToken = "producer-token"

func newTestApp(t *testing.T) (*Application, *httptest.Server) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		Port:                      0,
		RedisAddr:                 mr.Addr(),
		Timezone:                  "UTC",
		LogLevel:                  "error",
		LogFormat:                 "json",
		Env:                       "test",
		DefaultLeaseSeconds:       60,
		RequeueInspectLimit:       50,
		BackoffMaxSeconds:         3,
		WebhookHmacSecret:         "secret",
		WebhookMaxAttempts:        2,
		WebhookBaseBackoffSeconds: 1,
		WebhookMaxBackoffSeconds:  1,
		AuthProvider:              "static",
		AuthConfig:                `{"token":"` + producerToken + `","subject":"it-user","workspaceId":"ws-it","raw":{"role":"ADMIN"}}`,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("init app: %v", err)
	}
	SetupMappings(application)
	server := httptest.NewServer(application.Engine)
	t.Cleanup(server.Close)
	return application, server
}

// drive alternates worker claims and supervisor event handling until nothing
// is left, the in-process equivalent of running worker and server binaries.
func drive(t *testing.T, app *Application, disp *dispatch.Dispatcher) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		job, ok, err := app.Jobs.Claim(ctx, "it-worker", 30, 20)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok {
			if err := disp.Dispatch(ctx, job); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			continue
		}
		members, _ := app.Redis.ZRange(ctx, "mediaq:q:delayed", 0, -1).Result()
		if len(members) > 0 {
			for _, m := range members {
				_ = app.Redis.ZAdd(ctx, "mediaq:q:delayed", &redis.Z{Score: 0, Member: m}).Err()
			}
			continue
		}
		processed, err := app.Supervisor.ProcessNext(ctx, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("supervisor: %v", err)
		}
		if !processed {
			return
		}
	}
	t.Fatalf("scenario did not drain")
}

func happyDispatcher(app *Application) *dispatch.Dispatcher {
	disp := dispatch.NewDispatcher(app.Jobs, app.Logger)
	for _, step := range []domain.StepType{
		domain.StepProbe, domain.StepThumbnail, domain.StepSprite, domain.StepProxy,
		domain.StepUpload, domain.StepStoreResults,
	} {
		disp.RegisterFunc(step, func(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		})
	}
	return disp
}

func TestHTTPIntegrationIngestFlow(t *testing.T) {
	app, server := newTestApp(t)
	disp := happyDispatcher(app)

	body := map[string]any{
		"type":    string(domain.TaskIngest),
		"payload": map[string]any{"assetId": "a-1", "sourcePath": "/in/a.mp4"},
	}
	var created domain.Task
	status, raw := doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/tasks", producerToken, body, &created)
	if status != http.StatusAccepted {
		t.Fatalf("create task status %d body=%s", status, raw)
	}
	if created.ID == "" || created.ParentJobID == "" {
		t.Fatalf("task not submitted: %+v", created)
	}
	if created.WorkspaceID != "ws-it" {
		t.Fatalf("expected workspace from token, got %s", created.WorkspaceID)
	}

	drive(t, app, disp)

	var task domain.Task
	status, raw = doJSON(t, http.MethodGet, server.URL+"/v1/mediaq/tasks/"+created.ID, producerToken, nil, &task)
	if status != http.StatusOK {
		t.Fatalf("get task status %d body=%s", status, raw)
	}
	if task.Status != domain.TaskSuccess || task.Progress != 100 {
		t.Fatalf("expected SUCCESS/100, got %s/%d (errorLog=%s)", task.Status, task.Progress, task.ErrorLog)
	}

	var result domain.TaskResult
	status, raw = doJSON(t, http.MethodGet, server.URL+"/v1/mediaq/tasks/"+created.ID+"/result", producerToken, nil, &result)
	if status != http.StatusOK {
		t.Fatalf("get result status %d body=%s", status, raw)
	}
	if result.CompletedCount == 0 || result.FailedCount != 0 {
		t.Fatalf("unexpected result counters: %+v", result)
	}

	// Finished tasks cannot be canceled.
	status, _ = doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/tasks/"+created.ID+"/cancel", producerToken, nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 canceling finished task, got %d", status)
	}
}

func TestHTTPIntegrationAuthAndAdmin(t *testing.T) {
	_, server := newTestApp(t)

	status, _ := doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/tasks", "", map[string]any{
		"type":    string(domain.TaskIngest),
		"payload": map[string]any{"assetId": "a", "sourcePath": "/in/a.mp4"},
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}

	var stats domain.QueueStats
	status, raw := doJSON(t, http.MethodGet, server.URL+"/v1/mediaq/admin/queues", producerToken, nil, &stats)
	if status != http.StatusOK {
		t.Fatalf("admin queues status %d body=%s", status, raw)
	}

	status, raw = doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/admin/tasks/cleanup", producerToken, map[string]any{
		"limit": 10,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("cleanup status %d body=%s", status, raw)
	}
}

func TestHTTPIntegrationInvalidPayload(t *testing.T) {
	_, server := newTestApp(t)

	status, raw := doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/tasks", producerToken, map[string]any{
		"type":    string(domain.TaskIngest),
		"payload": map[string]any{"assetId": ""},
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d body=%s", status, raw)
	}

	status, raw = doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/tasks", producerToken, map[string]any{
		"type":    "NOT_A_TYPE",
		"payload": map[string]any{"x": 1},
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d body=%s", status, raw)
	}
}

func TestHTTPIntegrationWebhookOnFinish(t *testing.T) {
	callbackCh := make(chan map[string]any, 1)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(b, &payload)
		select {
		case callbackCh <- payload:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	app, server := newTestApp(t)
	disp := happyDispatcher(app)

	var created domain.Task
	status, raw := doJSON(t, http.MethodPost, server.URL+"/v1/mediaq/tasks", producerToken, map[string]any{
		"type":    string(domain.TaskIngest),
		"payload": map[string]any{"assetId": "a-1", "sourcePath": "/in/a.mp4"},
		"webhook": hookSrv.URL,
	}, &created)
	if status != http.StatusAccepted {
		t.Fatalf("create task status %d body=%s", status, raw)
	}

	drive(t, app, disp)

	select {
	case payload := <-callbackCh:
		if payload["taskId"] != created.ID {
			t.Fatalf("callback taskId mismatch: %v", payload["taskId"])
		}
		if payload["status"] != string(domain.TaskSuccess) {
			t.Fatalf("callback status mismatch: %v", payload["status"])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected webhook callback")
	}
}

func doJSON(t *testing.T, method, url, token string, body any, out any) (int, string) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	}
	req, _ := http.NewRequestWithContext(context.Background(), method, url, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = json.Unmarshal(b, out)
	}
	return resp.StatusCode, string(b)
}
