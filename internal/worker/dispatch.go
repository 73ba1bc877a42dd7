package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"academy-job-core/internal/inference"
	"academy-job-core/internal/media"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
	"academy-job-core/internal/store"
)

// MediaRunner executes a transcode payload. *media.Pipeline satisfies it.
type MediaRunner interface {
	Run(ctx context.Context, jobID string, payload models.TranscodePayload, progress media.ProgressFunc) (media.RunResult, error)
	DeleteSource(ctx context.Context, bucket, key string)
}

// Inferencer calls the external model service. *inference.Client satisfies it.
type Inferencer interface {
	Infer(ctx context.Context, req inference.Request) (inference.Response, error)
}

// Dispatcher routes a claimed job to its executor by payload type. The
// switch is exhaustive over the payload union; an unknown type is corrupted
// input, never a silent default.
type Dispatcher struct {
	media  MediaRunner
	infer  Inferencer
	svc    JobService
	worker string
	logger *zap.Logger
}

// NewDispatcher builds the per-worker dispatcher. svc and workerID are used
// to emit heartbeats from long-running stage progress.
func NewDispatcher(mediaRunner MediaRunner, inferencer Inferencer, svc JobService, workerID string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		media:  mediaRunner,
		infer:  inferencer,
		svc:    svc,
		worker: workerID,
		logger: logger,
	}
}

// Execute runs one claimed job and returns its outcome.
func (d *Dispatcher) Execute(ctx context.Context, claimed *models.ClaimedJob) (Outcome, error) {
	payload, err := models.DecodePayload(claimed.Type, claimed.Payload)
	if err != nil {
		return Outcome{}, policy.Failure{
			Code:    policy.CodeCorruptedInput,
			Message: store.TruncateError(err.Error()),
		}
	}

	switch p := payload.(type) {
	case models.TranscodePayload:
		return d.runTranscode(ctx, claimed, p)
	case models.OCRPayload, models.OMRGradingPayload, models.VideoAnalysisPayload, models.ExcelParsingPayload:
		return d.runInference(ctx, claimed)
	default:
		return Outcome{}, policy.Failure{
			Code:    policy.CodeCorruptedInput,
			Message: fmt.Sprintf("no executor for job type %q", claimed.Type),
		}
	}
}

func (d *Dispatcher) runTranscode(ctx context.Context, claimed *models.ClaimedJob, p models.TranscodePayload) (Outcome, error) {
	if d.media == nil {
		return Outcome{}, policy.Failure{Code: policy.CodeStageFailure, Message: "media pipeline not configured on this worker"}
	}
	progress := func(step int, total int, name string, percent float64) {
		d.logger.Info("pipeline progress",
			zap.String("job_id", claimed.JobID),
			zap.String("stage", fmt.Sprintf("%d/%d %s", step, total, name)),
			zap.Float64("percent", percent))
		if err := d.svc.Heartbeat(ctx, claimed.JobID, d.worker); err != nil {
			d.logger.Debug("progress heartbeat failed", zap.Error(err))
		}
	}

	result, err := d.media.Run(ctx, claimed.JobID, p, progress)
	if err != nil {
		var stageErr *media.StageError
		if errors.As(err, &stageErr) {
			return Outcome{}, policy.Failure{
				Code:       stageErr.Code,
				Message:    store.TruncateError(fmt.Sprintf("stage %s: %s", stageErr.Stage, stageErr.Message)),
				Retryable:  stageErr.Retryable,
				Validation: stageErr.Code == media.CodeValidation,
			}
		}
		return Outcome{}, err
	}

	return Outcome{
		Result: result.Payload,
		// The source object is removed only after the job record is durably
		// done; a deletion failure never reverts a completed job.
		PostComplete: func(ctx context.Context) {
			d.media.DeleteSource(ctx, p.SourceBucket, p.SourceKey)
		},
	}, nil
}

func (d *Dispatcher) runInference(ctx context.Context, claimed *models.ClaimedJob) (Outcome, error) {
	if d.infer == nil {
		return Outcome{}, policy.Failure{Code: policy.CodeStageFailure, Message: "inference client not configured on this worker"}
	}
	resp, err := d.infer.Infer(ctx, inference.Request{
		JobID:    claimed.JobID,
		JobType:  claimed.Type,
		TenantID: claimed.TenantID,
		Payload:  claimed.Payload,
	})
	if err != nil {
		var te *inference.TransportError
		if errors.As(err, &te) {
			return Outcome{}, policy.Failure{
				Code:      policy.CodeTransient,
				Message:   store.TruncateError(err.Error()),
				Retryable: true,
			}
		}
		return Outcome{}, policy.Failure{
			Code:    policy.CodeCorruptedInput,
			Message: store.TruncateError(err.Error()),
		}
	}
	if resp.ErrorCode != "" {
		confidence := 0.0
		if resp.Confidence != nil {
			confidence = *resp.Confidence
		}
		return Outcome{}, policy.Failure{
			Code:       resp.ErrorCode,
			Message:    store.TruncateError(resp.ErrorMessage),
			Confidence: confidence,
		}
	}

	out := resp.Output
	if out == nil {
		out = json.RawMessage("{}")
	}
	return Outcome{Result: out, Confidence: resp.Confidence}, nil
}
