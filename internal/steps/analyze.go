package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osvaldoandrade/mediaq/internal/providers"
	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

func (e Env) detectObjects(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	return e.detect(ctx, job, deps, e.Analysis.DetectObjects)
}

func (e Env) detectLabels(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	return e.detect(ctx, job, deps, e.Analysis.DetectLabels)
}

func (e Env) detect(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult,
	call func(context.Context, providers.DetectRequest) (*providers.DetectResponse, error)) (json.RawMessage, error) {
	if e.Analysis == nil {
		return nil, fmt.Errorf("analysis provider not configured")
	}
	var in stepio.DetectInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var frames stepio.FramesOutput
	if err := depOutput(deps, domain.StepFrames, &frames); err != nil {
		return nil, err
	}
	paths, err := listFrames(frames.Dir)
	if err != nil {
		return nil, err
	}

	resp, err := call(ctx, providers.DetectRequest{
		AssetID:    in.AssetID,
		FramePaths: paths,
		MaxResults: in.MaxResults,
	})
	if err != nil {
		return nil, err
	}
	out := stepio.DetectOutput{Items: make([]stepio.Detection, 0, len(resp.Items))}
	for _, it := range resp.Items {
		out.Items = append(out.Items, stepio.Detection{
			Label:             it.Label,
			Confidence:        it.Confidence,
			TimeOffsetSeconds: it.TimeOffsetSeconds,
		})
	}
	return json.Marshal(out)
}

func (e Env) transcribe(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	if e.Analysis == nil {
		return nil, fmt.Errorf("analysis provider not configured")
	}
	var in stepio.TranscribeInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var audio stepio.AudioOutput
	if err := depOutput(deps, domain.StepAudio, &audio); err != nil {
		return nil, err
	}

	resp, err := e.Analysis.Transcribe(ctx, providers.TranscribeRequest{
		AssetID:   in.AssetID,
		AudioPath: audio.Path,
		Language:  in.Language,
	})
	if err != nil {
		return nil, err
	}
	out := stepio.TranscribeOutput{
		Language: resp.Language,
		Segments: make([]stepio.TranscriptSegment, 0, len(resp.Segments)),
	}
	for _, s := range resp.Segments {
		out.Segments = append(out.Segments, stepio.TranscriptSegment{
			StartSeconds: s.StartSeconds,
			EndSeconds:   s.EndSeconds,
			Text:         s.Text,
		})
	}
	return json.Marshal(out)
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	var paths []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".jpg") {
			continue
		}
		paths = append(paths, filepath.Join(dir, ent.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("list frames: no frames in %s", dir)
	}
	return paths, nil
}
