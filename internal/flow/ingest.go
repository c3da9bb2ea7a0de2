package flow

import (
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// IngestPayload are the stored parameters of an INGEST task.
type IngestPayload struct {
	AssetID         string  `json:"assetId"`
	SourcePath      string  `json:"sourcePath"`
	GenerateProxy   bool    `json:"generateProxy,omitempty"`
	ProxyHeight     int     `json:"proxyHeight,omitempty"`
	SpriteInterval  float64 `json:"spriteIntervalSeconds,omitempty"`
	ThumbnailOffset float64 `json:"thumbnailOffsetSeconds,omitempty"`
}

// buildIngest: probe → {thumbnail, sprite, proxy?} → upload → store_results.
// The proxy step exists only when the payload asks for it.
func buildIngest(task *domain.Task) (*domain.Graph, error) {
	var p IngestPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.AssetID == "" {
		return nil, fmt.Errorf("%w: ingest requires assetId", ErrInvalidPayload)
	}
	if p.SourcePath == "" {
		return nil, fmt.Errorf("%w: ingest requires sourcePath", ErrInvalidPayload)
	}

	g := &domain.Graph{TaskID: task.ID, TaskType: domain.TaskIngest}

	if err := appendStep(g, domain.StepProbe, stepio.ProbeInput{SourcePath: p.SourcePath}); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepThumbnail, stepio.ThumbnailInput{
		SourcePath:        p.SourcePath,
		TimeOffsetSeconds: p.ThumbnailOffset,
	}, domain.StepProbe); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepSprite, stepio.SpriteInput{
		SourcePath:      p.SourcePath,
		IntervalSeconds: p.SpriteInterval,
	}, domain.StepProbe); err != nil {
		return nil, err
	}

	uploadDeps := []domain.StepType{domain.StepThumbnail, domain.StepSprite}
	if p.GenerateProxy {
		if err := appendStep(g, domain.StepProxy, stepio.ProxyInput{
			SourcePath: p.SourcePath,
			Height:     p.ProxyHeight,
		}, domain.StepProbe); err != nil {
			return nil, err
		}
		uploadDeps = append(uploadDeps, domain.StepProxy)
	}

	if err := appendStep(g, domain.StepUpload, stepio.UploadInput{AssetID: p.AssetID}, uploadDeps...); err != nil {
		return nil, err
	}
	if err := appendStep(g, domain.StepStoreResults, stepio.StoreInput{AssetID: p.AssetID},
		domain.StepProbe, domain.StepUpload); err != nil {
		return nil, err
	}
	return g, nil
}
