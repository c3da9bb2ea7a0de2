package flow

import (
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// RenderPayload are the stored parameters of a RENDER (timeline) task.
type RenderPayload struct {
	ProjectID string       `json:"projectId"`
	Timeline  []stepio.Clip `json:"timeline"`
	Width     int          `json:"width,omitempty"`
	Height    int          `json:"height,omitempty"`
	FPS       int          `json:"fps,omitempty"`
	Format    string       `json:"format,omitempty"`
	CRF       int          `json:"crf,omitempty"`
}

// buildRender is a straight pipeline: prepare → compose → encode → upload →
// store_results. Every step is critical for RENDER.
func buildRender(task *domain.Task) (*domain.Graph, error) {
	var p RenderPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ProjectID == "" {
		return nil, fmt.Errorf("%w: render requires projectId", ErrInvalidPayload)
	}
	if len(p.Timeline) == 0 {
		return nil, fmt.Errorf("%w: render requires a non-empty timeline", ErrInvalidPayload)
	}
	for i, clip := range p.Timeline {
		if clip.SourcePath == "" {
			return nil, fmt.Errorf("%w: timeline clip %d has no sourcePath", ErrInvalidPayload, i)
		}
		if clip.OutPointSeconds > 0 && clip.OutPointSeconds <= clip.InPointSeconds {
			return nil, fmt.Errorf("%w: timeline clip %d has an empty range", ErrInvalidPayload, i)
		}
	}

	g := &domain.Graph{TaskID: task.ID, TaskType: domain.TaskRender}

	if err := appendStep(g, domain.StepPrepare, stepio.PrepareInput{ProjectID: p.ProjectID, Clips: p.Timeline}); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepCompose, stepio.ComposeInput{
		Width:  p.Width,
		Height: p.Height,
		FPS:    p.FPS,
	}, domain.StepPrepare); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepEncode, stepio.EncodeInput{Format: p.Format, CRF: p.CRF}, domain.StepCompose); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepUpload, stepio.UploadInput{AssetID: p.ProjectID}, domain.StepEncode); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepStoreResults, stepio.StoreInput{ProjectID: p.ProjectID}, domain.StepUpload); err != nil {
		return nil, err
	}
	return g, nil
}
