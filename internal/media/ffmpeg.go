package media

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FFmpegConfig locates the binaries and bounds each invocation.
type FFmpegConfig struct {
	FFmpegPath       string
	FFprobePath      string
	ProbeTimeout     time.Duration
	TranscodeTimeout time.Duration
	ThumbnailTimeout time.Duration
}

// FFmpeg shells out to ffmpeg/ffprobe. Every invocation carries an explicit
// timeout; a deadline hit surfaces as a timeout-coded stage error upstream.
type FFmpeg struct {
	cfg    FFmpegConfig
	logger *zap.Logger
}

// NewFFmpeg applies defaults for unset paths and timeouts.
func NewFFmpeg(cfg FFmpegConfig, logger *zap.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Minute
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = 4 * time.Hour
	}
	if cfg.ThumbnailTimeout <= 0 {
		cfg.ThumbnailTimeout = 2 * time.Minute
	}
	return &FFmpeg{cfg: cfg, logger: logger}
}

// Probe returns the container duration in seconds.
func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, f.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, fmt.Errorf("ffprobe timed out: %w", ctx.Err())
		}
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

// TranscodeHLS encodes one variant of the ladder into outDir, reporting
// encode position as a 0-100 percentage of durationSeconds via onProgress.
func (f *FFmpeg) TranscodeHLS(ctx context.Context, input, outDir string, v Variant, durationSeconds float64, onProgress func(percent float64)) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.TranscodeTimeout)
	defer cancel()

	args := []string{
		"-y", "-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", v.Width, v.Height),
		"-c:v", "libx264",
		"-b:v", v.VideoBitrate,
		"-maxrate", v.VideoBitrate,
		"-bufsize", v.BufferSize,
		"-c:a", "aac",
		"-b:a", v.AudioBitrate,
		"-hls_time", "6",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", outDir + "/" + segmentPattern,
		"-progress", "pipe:1",
		"-nostats",
		outDir + "/" + variantPlaylist,
	}
	cmd := exec.CommandContext(ctx, f.cfg.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "out_time_ms=") {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_ms="), 10, 64)
		if err != nil || durationSeconds <= 0 {
			continue
		}
		percent := float64(us) / 1e6 / durationSeconds * 100
		if percent > 100 {
			percent = 100
		}
		if onProgress != nil {
			onProgress(percent)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg timed out after %s: %w", f.cfg.TranscodeTimeout, ctx.Err())
		}
		return fmt.Errorf("ffmpeg %s: %w", v.Name, err)
	}
	return nil
}

// ExtractFrame grabs a single frame near the start of the video for the
// thumbnail stage.
func (f *FFmpeg) ExtractFrame(ctx context.Context, input, output string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ThumbnailTimeout)
	defer cancel()
	err := exec.CommandContext(ctx, f.cfg.FFmpegPath,
		"-y",
		"-ss", "1",
		"-i", input,
		"-frames:v", "1",
		output,
	).Run()
	if err != nil {
		return fmt.Errorf("extract frame: %w", err)
	}
	return nil
}
