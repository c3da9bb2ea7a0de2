package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// upload pushes every artifact produced by completed upstream steps to the
// object store. Which artifacts exist depends on the flow: ingest contributes
// thumbnail/sprite/proxy, render contributes the final encode.
func (e Env) upload(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	if e.Uploader == nil {
		return nil, fmt.Errorf("uploader not configured")
	}
	var in stepio.UploadInput
	if err := decodeInput(job, &in); err != nil {
		return nil, err
	}
	prefix := strings.TrimSpace(in.AssetID)
	if prefix == "" {
		prefix = job.TaskID
	}

	var out stepio.UploadOutput
	push := func(name, localPath, contentType string) error {
		url, size, err := e.Uploader.UploadFile(ctx, filepath.Join(prefix, name), contentType, localPath)
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		out.Artifacts = append(out.Artifacts, stepio.Artifact{
			Name:        name,
			URL:         url,
			ContentType: contentType,
			SizeBytes:   size,
		})
		return nil
	}

	var thumb stepio.ThumbnailOutput
	if depOutput(deps, domain.StepThumbnail, &thumb) == nil {
		if err := push("thumbnail.jpg", thumb.Path, "image/jpeg"); err != nil {
			return nil, err
		}
	}
	var sprite stepio.SpriteOutput
	if depOutput(deps, domain.StepSprite, &sprite) == nil {
		if err := push("sprite.jpg", sprite.Path, "image/jpeg"); err != nil {
			return nil, err
		}
	}
	var proxy stepio.ProxyOutput
	if depOutput(deps, domain.StepProxy, &proxy) == nil {
		if err := push("proxy.mp4", proxy.Path, "video/mp4"); err != nil {
			return nil, err
		}
	}
	var enc stepio.EncodeOutput
	if depOutput(deps, domain.StepEncode, &enc) == nil {
		name := "final." + enc.Format
		if err := push(name, enc.Path, encodeContentType(enc.Format)); err != nil {
			return nil, err
		}
	}

	if len(out.Artifacts) == 0 {
		return nil, fmt.Errorf("upload: no artifacts from completed dependencies")
	}
	return json.Marshal(out)
}

func encodeContentType(format string) string {
	if format == "webm" {
		return "video/webm"
	}
	return "video/mp4"
}
