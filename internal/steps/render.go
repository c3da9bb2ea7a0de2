package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// prepare validates every clip's source before the expensive compose runs.
func (e Env) prepare(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.PrepareInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	if len(in.Clips) == 0 {
		return nil, dispatch.Fatal(fmt.Errorf("prepare: empty timeline"))
	}

	total := 0.0
	for i, c := range in.Clips {
		if _, err := os.Stat(c.SourcePath); err != nil {
			return nil, dispatch.Fatal(fmt.Errorf("prepare: clip %d source %s: %w", i, c.SourcePath, err))
		}
		if c.OutPointSeconds <= c.InPointSeconds {
			return nil, dispatch.Fatal(fmt.Errorf("prepare: clip %d has empty range", i))
		}
		total += c.OutPointSeconds - c.InPointSeconds
	}
	return json.Marshal(stepio.PrepareOutput{
		Clips:                in.Clips,
		TotalDurationSeconds: total,
	})
}

func (e Env) compose(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.ComposeInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var prep stepio.PrepareOutput
	if err := depOutput(deps, domain.StepPrepare, &prep); err != nil {
		return nil, err
	}

	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, "composed.mkv")
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, composeArgs(prep.Clips, in, dest)...); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return json.Marshal(stepio.ComposeOutput{
		Path:            dest,
		DurationSeconds: prep.TotalDurationSeconds,
	})
}

func (e Env) encode(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.EncodeInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var composed stepio.ComposeOutput
	if err := depOutput(deps, domain.StepCompose, &composed); err != nil {
		return nil, err
	}

	format := in.Format
	if format == "" {
		format = "mp4"
	}
	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, "final."+format)
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, encodeArgs(composed.Path, in, dest)...); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return json.Marshal(stepio.EncodeOutput{
		Path:      dest,
		Format:    format,
		SizeBytes: fileSize(dest),
	})
}
