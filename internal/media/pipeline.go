// Package media implements the video transcode payload: a strictly ordered
// pipeline from presigned source access to policy-tagged artifact upload.
// Each stage emits a step index, step name, and intra-step percentage so a
// caller can render "n/7 — 45%".
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"academy-job-core/internal/models"
)

// ProgressFunc receives (step, total, stage name, intra-step percent).
type ProgressFunc func(step, total int, name string, percent float64)

// Pipeline stage names, in execution order.
var stageNames = []string{"presign", "download", "probe", "transcode", "validate", "thumbnail", "upload"}

const (
	presignExpiry  = 2 * time.Hour
	thumbnailWidth = 640
	sourceFileName = "source.mp4"
)

// RunResult is the pipeline's output summary, stored as the job result.
type RunResult struct {
	Payload []byte
}

type resultPayload struct {
	OutputPrefix    string  `json:"output_prefix"`
	DurationSeconds float64 `json:"duration_seconds"`
	Variants        int     `json:"variants"`
	Thumbnail       bool    `json:"thumbnail"`
}

// Pipeline wires storage and ffmpeg into the seven transcode stages.
type Pipeline struct {
	storage     *Storage
	ffmpeg      *FFmpeg
	workDir     string
	variants    []Variant
	minSegments int
	logger      *zap.Logger
}

// NewPipeline builds a pipeline with the default variant ladder.
func NewPipeline(storage *Storage, ffmpeg *FFmpeg, workDir string, minSegments int, logger *zap.Logger) *Pipeline {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if minSegments < 1 {
		minSegments = 1
	}
	return &Pipeline{
		storage:     storage,
		ffmpeg:      ffmpeg,
		workDir:     workDir,
		variants:    DefaultLadder(),
		minSegments: minSegments,
		logger:      logger,
	}
}

// Run executes the pipeline for one job attempt. The per-attempt work
// directory is removed on return regardless of success so no stale artifact
// can satisfy a later validation pass. The source object is not touched
// here; deletion happens only after the job record is marked done.
func (p *Pipeline) Run(ctx context.Context, jobID string, payload models.TranscodePayload, progress ProgressFunc) (RunResult, error) {
	work := filepath.Join(p.workDir, fmt.Sprintf("%s-%s", jobID, uuid.New().String()[:8]))
	if err := os.MkdirAll(work, 0o755); err != nil {
		return RunResult{}, stageErr("download", CodeTransient, fmt.Sprintf("create work dir: %v", err), true)
	}
	defer os.RemoveAll(work)

	report := func(step int, percent float64) {
		if progress != nil {
			progress(step+1, len(stageNames), stageNames[step], percent)
		}
	}

	// 1. Presign
	report(0, 0)
	sourceURL, err := p.storage.PresignGet(ctx, payload.SourceBucket, payload.SourceKey, presignExpiry)
	if err != nil {
		return RunResult{}, stageErr("presign", CodeTransient, err.Error(), true)
	}
	report(0, 100)

	// 2. Download
	localSource := filepath.Join(work, sourceFileName)
	report(1, 0)
	if err := p.storage.Download(ctx, sourceURL, localSource); err != nil {
		return RunResult{}, stageErr("download", CodeTransient, err.Error(), true)
	}
	report(1, 100)

	// 3. Probe
	report(2, 0)
	duration, err := p.ffmpeg.Probe(ctx, localSource)
	if err != nil {
		return RunResult{}, probeError(err)
	}
	if duration <= 0 {
		return RunResult{}, stageErr("probe", CodeCorruptedInput, fmt.Sprintf("non-positive duration %.3f", duration), false)
	}
	report(2, 100)

	// 4. Transcode
	outDir := filepath.Join(work, "out")
	if err := p.transcode(ctx, localSource, outDir, duration, report); err != nil {
		return RunResult{}, err
	}

	// 5. Validate
	report(4, 0)
	if err := ValidateHLS(outDir, p.variants, p.minSegments); err != nil {
		return RunResult{}, stageErr("validate", CodeValidation, err.Error(), false)
	}
	report(4, 100)

	// 6. Thumbnail — the only best-effort stage.
	report(5, 0)
	hasThumbnail := p.thumbnail(ctx, localSource, outDir)
	report(5, 100)

	// 7. Upload
	report(6, 0)
	if err := p.storage.UploadTree(ctx, outDir, payload.OutputPrefix); err != nil {
		return RunResult{}, stageErr("upload", CodeTransient, err.Error(), true)
	}
	report(6, 100)

	raw, err := json.Marshal(resultPayload{
		OutputPrefix:    payload.OutputPrefix,
		DurationSeconds: duration,
		Variants:        len(p.variants),
		Thumbnail:       hasThumbnail,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("marshal result: %w", err)
	}
	return RunResult{Payload: raw}, nil
}

// DeleteSource removes the original upload with bounded retries.
func (p *Pipeline) DeleteSource(ctx context.Context, bucket, key string) {
	p.storage.DeleteSource(ctx, bucket, key)
}

func (p *Pipeline) transcode(ctx context.Context, input, outDir string, duration float64, report func(int, float64)) error {
	report(3, 0)
	total := float64(len(p.variants))
	for i, v := range p.variants {
		dir := filepath.Join(outDir, v.Subdir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stageErr("transcode", CodeStageFailure, fmt.Sprintf("create variant dir: %v", err), false)
		}
		base := float64(i) / total * 100
		err := p.ffmpeg.TranscodeHLS(ctx, input, dir, v, duration, func(percent float64) {
			report(3, base+percent/total)
		})
		if err != nil {
			code := CodeStageFailure
			if errors.Is(err, context.DeadlineExceeded) {
				code = CodeTimeout
			}
			return stageErr("transcode", code, fmt.Sprintf("variant %s: %v", v.Name, err), false)
		}
	}
	if err := WriteMasterPlaylist(outDir, p.variants); err != nil {
		return stageErr("transcode", CodeStageFailure, err.Error(), false)
	}
	report(3, 100)
	return nil
}

// thumbnail extracts and resizes a poster frame. Failures only cost the
// thumbnail; they are logged and never fail the job.
func (p *Pipeline) thumbnail(ctx context.Context, input, outDir string) bool {
	frame := filepath.Join(outDir, thumbnailFile)
	if err := p.ffmpeg.ExtractFrame(ctx, input, frame); err != nil {
		p.logger.Warn("thumbnail frame extraction failed", zap.Error(err))
		return false
	}
	img, err := imaging.Open(frame)
	if err != nil {
		p.logger.Warn("thumbnail decode failed", zap.Error(err))
		_ = os.Remove(frame)
		return false
	}
	img = imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	if err := imaging.Save(img, frame, imaging.JPEGQuality(85)); err != nil {
		p.logger.Warn("thumbnail save failed", zap.Error(err))
		_ = os.Remove(frame)
		return false
	}
	return true
}

func probeError(err error) *StageError {
	if errors.Is(err, context.DeadlineExceeded) {
		return stageErr("probe", CodeTimeout, err.Error(), false)
	}
	return stageErr("probe", CodeCorruptedInput, err.Error(), false)
}
