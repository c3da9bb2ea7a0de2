package flow

import (
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// DetectLabelsPayload are the stored parameters of a DETECT_LABELS task.
type DetectLabelsPayload struct {
	AssetID       string  `json:"assetId"`
	SourcePath    string  `json:"sourcePath"`
	FrameInterval float64 `json:"frameIntervalSeconds,omitempty"`
	Transcribe    bool    `json:"transcribe,omitempty"`
	Language      string  `json:"language,omitempty"`
	MaxResults    int     `json:"maxResults,omitempty"`
}

// buildDetectLabels fans out the analysis steps so independent providers run
// in parallel. The analysis steps are non-critical (partial success); the
// final store_results step is critical and waits on all of them.
func buildDetectLabels(task *domain.Task) (*domain.Graph, error) {
	var p DetectLabelsPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.AssetID == "" {
		return nil, fmt.Errorf("%w: detect-labels requires assetId", ErrInvalidPayload)
	}
	if p.SourcePath == "" {
		return nil, fmt.Errorf("%w: detect-labels requires sourcePath", ErrInvalidPayload)
	}

	g := &domain.Graph{TaskID: task.ID, TaskType: domain.TaskDetectLabels}

	if err := appendStep(g, domain.StepFrames, stepio.FramesInput{
		SourcePath:      p.SourcePath,
		IntervalSeconds: p.FrameInterval,
	}); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepDetectObjects, stepio.DetectInput{
		AssetID:    p.AssetID,
		MaxResults: p.MaxResults,
	}, domain.StepFrames); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepDetectLabels, stepio.DetectInput{
		AssetID:    p.AssetID,
		MaxResults: p.MaxResults,
	}, domain.StepFrames); err != nil {
		return nil, err
	}

	storeDeps := []domain.StepType{domain.StepDetectObjects, domain.StepDetectLabels}
	if p.Transcribe {
		if err := appendStep(g, domain.StepAudio, stepio.AudioInput{SourcePath: p.SourcePath}); err != nil {
			return nil, err
		}
		if err := appendStep(g, domain.StepTranscribe, stepio.TranscribeInput{
			AssetID:  p.AssetID,
			Language: p.Language,
		}, domain.StepAudio); err != nil {
			return nil, err
		}
		storeDeps = append(storeDeps, domain.StepTranscribe)
	}

	if err := appendStep(g, domain.StepStoreResults, stepio.StoreInput{AssetID: p.AssetID}, storeDeps...); err != nil {
		return nil, err
	}
	return g, nil
}
