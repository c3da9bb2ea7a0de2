package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// storeResults persists a results document assembling whatever the flow's
// other steps produced. Failed analysis steps simply contribute nothing: the
// document reflects the partial outcome and the task-level policy decides
// whether that is acceptable.
func (e Env) storeResults(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	if e.Uploader == nil {
		return nil, fmt.Errorf("uploader not configured")
	}
	var in stepio.StoreInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}

	doc := map[string]any{
		"taskId":   job.TaskID,
		"taskType": job.TaskType,
	}
	if in.AssetID != "" {
		doc["assetId"] = in.AssetID
	}
	if in.ProjectID != "" {
		doc["projectId"] = in.ProjectID
	}
	outputs := map[string]json.RawMessage{}
	for step, res := range deps {
		if step == job.StepType {
			continue
		}
		if res.Status == domain.StepCompleted && len(res.Output) > 0 {
			outputs[string(step)] = res.Output
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("store_results: no completed step outputs to store")
	}
	doc["outputs"] = outputs

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store_results encode: %w", err)
	}

	key := strings.TrimSpace(in.AssetID)
	if key == "" {
		key = strings.TrimSpace(in.ProjectID)
	}
	if key == "" {
		key = job.TaskID
	}
	url, err := e.Uploader.UploadBytes(ctx, filepath.Join("results", key+".json"), "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("store_results upload: %w", err)
	}
	return json.Marshal(stepio.StoreOutput{
		ResultURL: url,
		StoredAt:  time.Now().UTC(),
	})
}
