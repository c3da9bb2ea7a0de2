package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnalysisClient is the narrow HTTP client for the external media analysis
// provider (object detection, label detection, speech transcription). The
// provider's internals are out of scope; this client only shapes requests and
// decodes responses.
type AnalysisClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewAnalysisClient(baseURL, apiKey string, timeout time.Duration) *AnalysisClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnalysisClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type DetectRequest struct {
	AssetID    string   `json:"assetId"`
	FramePaths []string `json:"framePaths"`
	MaxResults int      `json:"maxResults,omitempty"`
}

type DetectResponseItem struct {
	Label             string  `json:"label"`
	Confidence        float64 `json:"confidence"`
	TimeOffsetSeconds float64 `json:"timeOffsetSeconds,omitempty"`
}

type DetectResponse struct {
	Items []DetectResponseItem `json:"items"`
}

type TranscribeRequest struct {
	AssetID   string `json:"assetId"`
	AudioPath string `json:"audioPath"`
	Language  string `json:"language,omitempty"`
}

type TranscribeResponseSegment struct {
	StartSeconds float64 `json:"startSeconds"`
	EndSeconds   float64 `json:"endSeconds"`
	Text         string  `json:"text"`
}

type TranscribeResponse struct {
	Language string                      `json:"language,omitempty"`
	Segments []TranscribeResponseSegment `json:"segments"`
}

func (c *AnalysisClient) DetectObjects(ctx context.Context, req DetectRequest) (*DetectResponse, error) {
	var out DetectResponse
	if err := c.post(ctx, "/v1/detect/objects", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AnalysisClient) DetectLabels(ctx context.Context, req DetectRequest) (*DetectResponse, error) {
	var out DetectResponse
	if err := c.post(ctx, "/v1/detect/labels", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AnalysisClient) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error) {
	var out TranscribeResponse
	if err := c.post(ctx, "/v1/transcribe", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AnalysisClient) post(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("analysis request encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analysis call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analysis call %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("analysis response decode: %w", err)
	}
	return nil
}
