package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// probeResult mirrors the subset of ffprobe's -of json output the engine
// cares about.
type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

func (e Env) probe(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	var in stepio.ProbeInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.SourcePath) == "" {
		return nil, dispatch.Fatal(fmt.Errorf("probe: empty source path"))
	}

	raw, err := e.Runner.Run(ctx, e.FFprobeBin,
		"-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", in.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", in.SourcePath, err)
	}

	var res probeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("probe parse: %w", err)
	}

	out := stepio.ProbeOutput{
		SourcePath: in.SourcePath,
		Container:  res.Format.FormatName,
	}
	out.DurationSeconds, _ = strconv.ParseFloat(res.Format.Duration, 64)
	out.SizeBytes, _ = strconv.ParseInt(res.Format.Size, 10, 64)
	for _, s := range res.Streams {
		switch strings.ToLower(s.CodecType) {
		case "video":
			if out.VideoCodec == "" {
				out.VideoCodec = s.CodecName
				out.Width = s.Width
				out.Height = s.Height
			}
		case "audio":
			out.HasAudio = true
			if out.AudioCodec == "" {
				out.AudioCodec = s.CodecName
			}
		}
	}
	if out.VideoCodec == "" {
		// Nothing downstream can derive previews from an audio-only or broken
		// container; retrying will not change that.
		return nil, dispatch.Fatal(fmt.Errorf("probe %s: no video stream", in.SourcePath))
	}
	return json.Marshal(out)
}
