package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

func (e Env) thumbnail(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.ThumbnailInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var probe stepio.ProbeOutput
	if err := depOutput(deps, domain.StepProbe, &probe); err != nil {
		return nil, err
	}
	if in.SourcePath == "" {
		in.SourcePath = probe.SourcePath
	}

	offset := in.TimeOffsetSeconds
	if offset <= 0 {
		// Early enough to exist in short clips, late enough to skip leaders.
		offset = probe.DurationSeconds * 0.1
	}
	if probe.DurationSeconds > 0 && offset >= probe.DurationSeconds {
		offset = probe.DurationSeconds / 2
	}

	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, "thumbnail.jpg")
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, thumbnailArgs(in, offset, dest)...); err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	return json.Marshal(stepio.ThumbnailOutput{
		Path:              dest,
		TimeOffsetSeconds: offset,
	})
}

func (e Env) sprite(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.SpriteInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var probe stepio.ProbeOutput
	if err := depOutput(deps, domain.StepProbe, &probe); err != nil {
		return nil, err
	}
	if in.SourcePath == "" {
		in.SourcePath = probe.SourcePath
	}

	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, "sprite.jpg")
	args, tiles, rows := spriteArgs(in, probe.DurationSeconds, dest)
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, args...); err != nil {
		return nil, fmt.Errorf("sprite: %w", err)
	}

	interval := in.IntervalSeconds
	if interval <= 0 {
		interval = defaultSpriteInterval
	}
	cols := in.Columns
	if cols <= 0 {
		cols = defaultSpriteColumns
	}
	return json.Marshal(stepio.SpriteOutput{
		Path:            dest,
		Tiles:           tiles,
		Columns:         cols,
		Rows:            rows,
		IntervalSeconds: interval,
	})
}

func (e Env) proxy(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.ProxyInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	var probe stepio.ProbeOutput
	if err := depOutput(deps, domain.StepProbe, &probe); err != nil {
		return nil, err
	}
	if in.SourcePath == "" {
		in.SourcePath = probe.SourcePath
	}

	dir, err := e.taskDir(job.TaskID)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, "proxy.mp4")
	if _, err := e.Runner.Run(ctx, e.FFmpegBin, proxyArgs(in, dest)...); err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	height := in.Height
	if height <= 0 {
		height = defaultProxyHeight
	}
	return json.Marshal(stepio.ProxyOutput{
		Path:      dest,
		Height:    height,
		SizeBytes: fileSize(dest),
	})
}
