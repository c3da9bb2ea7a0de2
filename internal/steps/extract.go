package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

func (e Env) frames(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.FramesInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.SourcePath) == "" {
		return nil, dispatch.Fatal(fmt.Errorf("frames: empty source path"))
	}

	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	framesDir := filepath.Join(dir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("frames dir: %w", err)
	}

	args, interval := framesArgs(in, framesDir)
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, args...); err != nil {
		return nil, fmt.Errorf("frames: %w", err)
	}

	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("frames list: %w", err)
	}
	count := 0
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".jpg") {
			count++
		}
	}
	return json.Marshal(stepio.FramesOutput{
		Dir:             framesDir,
		Count:           count,
		IntervalSeconds: interval,
	})
}

func (e Env) audio(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.AudioInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.SourcePath) == "" {
		return nil, dispatch.Fatal(fmt.Errorf("audio: empty source path"))
	}

	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, "audio.wav")
	args, rate := audioArgs(in, dest)
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, args...); err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	return json.Marshal(stepio.AudioOutput{Path: dest, SampleRate: rate})
}
