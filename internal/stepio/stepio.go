// Package stepio declares the input and output payloads exchanged through
// step jobs. The orchestration engine treats these as opaque JSON; only the
// flow builders (writing inputs) and the step handlers (reading inputs,
// writing outputs) interpret them.
//
// Fields that are only known after an upstream step has run (resolved file
// paths, durations) are left zero by the builder and filled in by the handler
// from the completed dependency's result.
package stepio

import "time"

type Artifact struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// ---- inputs ----

type ProbeInput struct {
	SourcePath string `json:"sourcePath"`
}

type ThumbnailInput struct {
	SourcePath string `json:"sourcePath"`
	// TimeOffsetSeconds <= 0 means "pick from the probed duration".
	TimeOffsetSeconds float64 `json:"timeOffsetSeconds,omitempty"`
	Width             int     `json:"width,omitempty"`
}

type SpriteInput struct {
	SourcePath      string  `json:"sourcePath"`
	IntervalSeconds float64 `json:"intervalSeconds,omitempty"`
	Columns         int     `json:"columns,omitempty"`
	TileWidth       int     `json:"tileWidth,omitempty"`
}

type ProxyInput struct {
	SourcePath string `json:"sourcePath"`
	Height     int    `json:"height,omitempty"`
}

type UploadInput struct {
	AssetID string `json:"assetId"`
}

type FramesInput struct {
	SourcePath      string  `json:"sourcePath"`
	IntervalSeconds float64 `json:"intervalSeconds,omitempty"`
}

type AudioInput struct {
	SourcePath string `json:"sourcePath"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type DetectInput struct {
	AssetID    string `json:"assetId"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type TranscribeInput struct {
	AssetID  string `json:"assetId"`
	Language string `json:"language,omitempty"`
}

type Clip struct {
	AssetID          string  `json:"assetId,omitempty"`
	SourcePath       string  `json:"sourcePath"`
	InPointSeconds   float64 `json:"inPointSeconds"`
	OutPointSeconds  float64 `json:"outPointSeconds"`
	TransitionFrames int     `json:"transitionFrames,omitempty"`
}

type PrepareInput struct {
	ProjectID string `json:"projectId"`
	Clips     []Clip `json:"clips"`
}

type ComposeInput struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	FPS    int `json:"fps,omitempty"`
}

type EncodeInput struct {
	Format string `json:"format,omitempty"` // mp4, webm
	CRF    int    `json:"crf,omitempty"`
}

type StoreInput struct {
	AssetID   string `json:"assetId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// ---- outputs ----

type ProbeOutput struct {
	SourcePath      string  `json:"sourcePath"`
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	VideoCodec      string  `json:"videoCodec,omitempty"`
	AudioCodec      string  `json:"audioCodec,omitempty"`
	Container       string  `json:"container,omitempty"`
	SizeBytes       int64   `json:"sizeBytes,omitempty"`
	HasAudio        bool    `json:"hasAudio"`
}

type ThumbnailOutput struct {
	Path              string  `json:"path"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	TimeOffsetSeconds float64 `json:"timeOffsetSeconds"`
}

type SpriteOutput struct {
	Path            string  `json:"path"`
	Tiles           int     `json:"tiles"`
	Columns         int     `json:"columns"`
	Rows            int     `json:"rows"`
	IntervalSeconds float64 `json:"intervalSeconds"`
}

type ProxyOutput struct {
	Path      string `json:"path"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

type UploadOutput struct {
	Artifacts []Artifact `json:"artifacts"`
}

type FramesOutput struct {
	Dir             string  `json:"dir"`
	Count           int     `json:"count"`
	IntervalSeconds float64 `json:"intervalSeconds"`
}

type AudioOutput struct {
	Path       string `json:"path"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type Detection struct {
	Label             string  `json:"label"`
	Confidence        float64 `json:"confidence"`
	TimeOffsetSeconds float64 `json:"timeOffsetSeconds,omitempty"`
}

type DetectOutput struct {
	Items []Detection `json:"items"`
}

type TranscriptSegment struct {
	StartSeconds float64 `json:"startSeconds"`
	EndSeconds   float64 `json:"endSeconds"`
	Text         string  `json:"text"`
}

type TranscribeOutput struct {
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments"`
}

type PrepareOutput struct {
	Clips                []Clip  `json:"clips"`
	TotalDurationSeconds float64 `json:"totalDurationSeconds"`
}

type ComposeOutput struct {
	Path            string  `json:"path"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type EncodeOutput struct {
	Path      string `json:"path"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

type StoreOutput struct {
	ResultURL string    `json:"resultUrl,omitempty"`
	StoredAt  time.Time `json:"storedAt"`
}
