package providers

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
)

// Uploader abstracts the artifact store. Media artifacts can be large, so
// UploadFile streams from disk; UploadBytes covers small generated blobs
// like result documents.
type Uploader interface {
	UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
	UploadFile(ctx context.Context, objectPath string, contentType string, localPath string) (string, int64, error)
}

type localUploader struct {
	rootDir string
}

func NewLocalUploader(rootDir string) Uploader {
	return &localUploader{rootDir: rootDir}
}

func (u *localUploader) UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	url, _, err := u.store(objectPath, bytes.NewReader(data))
	return url, err
}

func (u *localUploader) UploadFile(ctx context.Context, objectPath string, contentType string, localPath string) (string, int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()
	return u.store(objectPath, src)
}

func (u *localUploader) store(objectPath string, src io.Reader) (string, int64, error) {
	dst := filepath.Join(u.rootDir, objectPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	n, err := io.Copy(f, src)
	if err != nil {
		return "", 0, err
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, n, nil
}
