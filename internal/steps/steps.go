// Package steps implements the handlers behind each step type: media
// inspection and derivation through ffmpeg/ffprobe, artifact upload, external
// AI analysis and result persistence.
//
// Handlers receive their declared input payload plus the parent's step-result
// mapping; fields the flow builder could not know at submission time are
// resolved here from completed dependency outputs.
package steps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/providers"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// Env carries the external dependencies shared by all handlers.
type Env struct {
	FFmpegBin  string
	FFprobeBin string
	// WorkDir roots per-task scratch space: WorkDir/<taskID>/...
	WorkDir  string
	Runner   Runner
	Uploader providers.Uploader
	Analysis *providers.AnalysisClient
}

func (e *Env) defaults() {
	if e.FFmpegBin == "" {
		e.FFmpegBin = "ffmpeg"
	}
	if e.FFprobeBin == "" {
		e.FFprobeBin = "ffprobe"
	}
	if e.WorkDir == "" {
		e.WorkDir = os.TempDir()
	}
	if e.Runner == nil {
		e.Runner = NewExecRunner()
	}
}

// RegisterAll wires every step handler into the dispatcher.
func RegisterAll(d *dispatch.Dispatcher, env Env) {
	env.defaults()
	d.RegisterFunc(domain.StepProbe, env.probe)
	d.RegisterFunc(domain.StepThumbnail, env.thumbnail)
	d.RegisterFunc(domain.StepSprite, env.sprite)
	d.RegisterFunc(domain.StepProxy, env.proxy)
	d.RegisterFunc(domain.StepFrames, env.frames)
	d.RegisterFunc(domain.StepAudio, env.audio)
	d.RegisterFunc(domain.StepPrepare, env.prepare)
	d.RegisterFunc(domain.StepCompose, env.compose)
	d.RegisterFunc(domain.StepEncode, env.encode)
	d.RegisterFunc(domain.StepUpload, env.upload)
	d.RegisterFunc(domain.StepDetectObjects, env.detectObjects)
	d.RegisterFunc(domain.StepDetectLabels, env.detectLabels)
	d.RegisterFunc(domain.StepTranscribe, env.transcribe)
	d.RegisterFunc(domain.StepStoreResults, env.storeResults)
}

// taskDir creates and returns the task's scratch directory.
func (e Env) taskDir(taskID string) (string, error) {
	dir := filepath.Join(e.WorkDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

func decodeInput(job *domain.Job, out any) error {
	if len(job.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Input, out); err != nil {
		return dispatch.Fatal(fmt.Errorf("decode %s input: %w", job.StepType, err))
	}
	return nil
}

// depOutput decodes a completed dependency's output. A missing or failed
// dependency is an ordinary error: handlers that genuinely need the output
// fail on their own, as the policy layer expects.
func depOutput(deps map[domain.StepType]domain.StepResult, step domain.StepType, out any) error {
	res, ok := deps[step]
	if !ok {
		return fmt.Errorf("dependency %s has no result", step)
	}
	if res.Status != domain.StepCompleted {
		return fmt.Errorf("dependency %s did not complete: %s", step, res.Error)
	}
	if err := json.Unmarshal(res.Output, out); err != nil {
		return fmt.Errorf("decode %s output: %w", step, err)
	}
	return nil
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
