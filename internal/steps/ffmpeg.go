package steps

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/mediaq/internal/stepio"
)

// ffmpeg argument builders. Pure functions so the exact command lines are
// testable without running ffmpeg.

const (
	defaultThumbnailWidth = 640
	defaultSpriteInterval = 10.0
	defaultSpriteColumns  = 10
	defaultSpriteTileW    = 160
	defaultProxyHeight    = 360
	defaultFrameInterval  = 5.0
	defaultSampleRate     = 16000
	defaultFPS            = 30
	defaultCRF            = 23
)

func ffmpegBase() []string {
	return []string{"-y", "-hide_banner", "-loglevel", "error"}
}

func thumbnailArgs(in stepio.ThumbnailInput, offsetSeconds float64, dest string) []string {
	width := in.Width
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	args := append(ffmpegBase(),
		"-ss", formatSeconds(offsetSeconds),
		"-i", in.SourcePath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		dest,
	)
	return args
}

// spriteArgs tiles one frame every interval into a single sheet image.
func spriteArgs(in stepio.SpriteInput, durationSeconds float64, dest string) ([]string, int, int) {
	interval := in.IntervalSeconds
	if interval <= 0 {
		interval = defaultSpriteInterval
	}
	cols := in.Columns
	if cols <= 0 {
		cols = defaultSpriteColumns
	}
	tileW := in.TileWidth
	if tileW <= 0 {
		tileW = defaultSpriteTileW
	}
	tiles := 1
	if durationSeconds > 0 {
		tiles = int(math.Ceil(durationSeconds / interval))
		if tiles < 1 {
			tiles = 1
		}
	}
	rows := (tiles + cols - 1) / cols
	vf := fmt.Sprintf("fps=1/%s,scale=%d:-2,tile=%dx%d", formatSeconds(interval), tileW, cols, rows)
	args := append(ffmpegBase(),
		"-i", in.SourcePath,
		"-vf", vf,
		"-frames:v", "1",
		dest,
	)
	return args, tiles, rows
}

func proxyArgs(in stepio.ProxyInput, dest string) []string {
	height := in.Height
	if height <= 0 {
		height = defaultProxyHeight
	}
	return append(ffmpegBase(),
		"-i", in.SourcePath,
		"-vf", fmt.Sprintf("scale=-2:%d", height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "28",
		"-c:a", "aac",
		"-movflags", "+faststart",
		dest,
	)
}

func framesArgs(in stepio.FramesInput, destDir string) ([]string, float64) {
	interval := in.IntervalSeconds
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	args := append(ffmpegBase(),
		"-i", in.SourcePath,
		"-vf", fmt.Sprintf("fps=1/%s", formatSeconds(interval)),
		filepath.Join(destDir, "frame-%06d.jpg"),
	)
	return args, interval
}

func audioArgs(in stepio.AudioInput, dest string) ([]string, int) {
	rate := in.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	args := append(ffmpegBase(),
		"-i", in.SourcePath,
		"-vn", "-sn", "-dn",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-c:a", "pcm_s16le",
		dest,
	)
	return args, rate
}

// composeArgs trims each prepared clip and concatenates them with the concat
// filter, normalizing all clips to one frame size and rate.
func composeArgs(clips []stepio.Clip, in stepio.ComposeInput, dest string) []string {
	width := in.Width
	if width <= 0 {
		width = 1920
	}
	height := in.Height
	if height <= 0 {
		height = 1080
	}
	fps := in.FPS
	if fps <= 0 {
		fps = defaultFPS
	}

	args := ffmpegBase()
	for _, c := range clips {
		args = append(args, "-i", c.SourcePath)
	}

	var filter strings.Builder
	for i, c := range clips {
		fmt.Fprintf(&filter,
			"[%d:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS,scale=%d:%d,fps=%d[v%d];",
			i, formatSeconds(c.InPointSeconds), formatSeconds(c.OutPointSeconds), width, height, fps, i)
		fmt.Fprintf(&filter,
			"[%d:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d];",
			i, formatSeconds(c.InPointSeconds), formatSeconds(c.OutPointSeconds), i)
	}
	for i := range clips {
		fmt.Fprintf(&filter, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=1[outv][outa]", len(clips))

	return append(args,
		"-filter_complex", filter.String(),
		"-map", "[outv]",
		"-map", "[outa]",
		dest,
	)
}

func encodeArgs(source string, in stepio.EncodeInput, dest string) []string {
	crf := in.CRF
	if crf <= 0 {
		crf = defaultCRF
	}
	args := append(ffmpegBase(), "-i", source)
	switch in.Format {
	case "webm":
		args = append(args, "-c:v", "libvpx-vp9", "-crf", strconv.Itoa(crf), "-b:v", "0", "-c:a", "libopus")
	default: // mp4
		args = append(args,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", strconv.Itoa(crf),
			"-c:a", "aac",
			"-movflags", "+faststart",
		)
	}
	return append(args, dest)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
