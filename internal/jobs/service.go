// Package jobs implements the lease-based work-queue contract over the job
// store and an optional message transport. All status transitions funnel
// through here so the tier policy cannot be bypassed by any caller.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
	"academy-job-core/internal/queue"
	"academy-job-core/internal/store"
	"academy-job-core/internal/telemetry"
)

// Store is the persistence surface the service needs. *store.Store satisfies
// it; tests substitute an in-memory implementation.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	ClaimNext(ctx context.Context, workerID, pool string, visibility time.Duration) (*models.ClaimedJob, error)
	ClaimByID(ctx context.Context, jobID, workerID string, visibility time.Duration) (*models.ClaimedJob, string, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	ExtendLease(ctx context.Context, jobID, workerID string, visibility time.Duration) error
	SetTerminal(ctx context.Context, jobID, workerID, status, lastError string, result []byte, reviewCandidate bool) (bool, error)
	ScheduleRetry(ctx context.Context, jobID, workerID string, nextRun time.Time, lastError string) (bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetResult(ctx context.Context, jobID string) (models.Result, bool, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Options tunes retry scheduling and lease duration.
type Options struct {
	Visibility  time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

func (o *Options) withDefaults() {
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Hour
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// Service coordinates job state, tier policy, and the message transport.
// Transports are per pool; a pool without a transport is table-backed and
// claims scan the jobs table directly.
type Service struct {
	store      Store
	transports map[string]queue.Broker
	policy     *policy.Engine
	opts       Options
	logger     *zap.Logger
}

// New builds a Service. transports may be nil or partial.
func New(st Store, transports map[string]queue.Broker, engine *policy.Engine, opts Options, logger *zap.Logger) *Service {
	opts.withDefaults()
	if transports == nil {
		transports = map[string]queue.Broker{}
	}
	return &Service{
		store:      st,
		transports: transports,
		policy:     engine,
		opts:       opts,
		logger:     logger,
	}
}

// PublishParams describes a job to enqueue.
type PublishParams struct {
	Payload        models.Payload
	Tier           string
	TenantID       string
	SourceDomain   string
	SourceID       string
	IdempotencyKey string
	MaxAttempts    int
}

// Publish validates, persists, and enqueues a job. A policy rejection still
// creates a queryable record in rejected_bad_input, returned together with
// the *policy.Rejection error. A repeated idempotency key returns the
// existing job without publishing a second message.
func (s *Service) Publish(ctx context.Context, p PublishParams) (models.Job, error) {
	if p.Tier == "" {
		p.Tier = models.TierBasic
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = s.opts.MaxAttempts
	}
	raw, err := models.EncodePayload(p.Payload)
	if err != nil {
		return models.Job{}, err
	}
	jobType := p.Payload.JobType()

	if rej := s.policy.ValidatePublish(p.Tier, p.Payload); rej != nil {
		job, _, err := s.store.CreateJob(ctx, store.CreateJobParams{
			Type:           jobType,
			Tier:           p.Tier,
			TenantID:       p.TenantID,
			Payload:        raw,
			SourceDomain:   p.SourceDomain,
			SourceID:       p.SourceID,
			IdempotencyKey: p.IdempotencyKey,
			MaxAttempts:    p.MaxAttempts,
			InitialStatus:  models.StatusRejectedInput,
		})
		if err != nil {
			return models.Job{}, err
		}
		_ = s.store.AppendEvent(ctx, job.ID, "rejected", rej.Code)
		telemetry.RejectCounter.WithLabelValues(rej.Code).Inc()
		return job, rej
	}

	job, reused, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:           jobType,
		Tier:           p.Tier,
		TenantID:       p.TenantID,
		Payload:        raw,
		SourceDomain:   p.SourceDomain,
		SourceID:       p.SourceID,
		IdempotencyKey: p.IdempotencyKey,
		MaxAttempts:    p.MaxAttempts,
	})
	if err != nil {
		return models.Job{}, err
	}
	if reused {
		return job, nil
	}

	pool := models.PoolFor(jobType)
	if t := s.transports[pool]; t != nil {
		msg := queue.Message{
			JobID:        job.ID,
			JobType:      job.Type,
			Tier:         job.Tier,
			Payload:      raw,
			TenantID:     job.TenantID,
			SourceDomain: p.SourceDomain,
			SourceID:     p.SourceID,
			CreatedAt:    job.CreatedAt,
			Attempt:      0,
		}
		if err := t.Publish(ctx, msg, 0); err != nil {
			_ = s.store.AppendEvent(ctx, job.ID, "publish_failed", err.Error())
			return job, fmt.Errorf("publish message: %w", err)
		}
	}
	_ = s.store.AppendEvent(ctx, job.ID, "published", string(jobType))
	telemetry.PublishCounter.WithLabelValues(pool).Inc()
	return job, nil
}

// Claim hands the caller one claimable job for the pool, or nil when there
// is none. Nil is "poll again later", never an error.
func (s *Service) Claim(ctx context.Context, workerID, pool string) (*models.ClaimedJob, error) {
	t := s.transports[pool]
	if t == nil {
		claimed, err := s.store.ClaimNext(ctx, workerID, pool, s.opts.Visibility)
		if err != nil || claimed == nil {
			return nil, err
		}
		_ = s.store.AppendEvent(ctx, claimed.JobID, "claimed", workerID)
		return claimed, nil
	}

	d, err := t.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	claimed, status, err := s.store.ClaimByID(ctx, d.JobID, workerID, s.opts.Visibility)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		if models.IsTerminal(status) {
			// Redelivery of an already-finished job; drop the message so it
			// cannot trigger duplicate side effects.
			_ = t.Delete(ctx, d.ReceiptHandle)
		}
		return nil, nil
	}
	claimed.ReceiptHandle = d.ReceiptHandle
	if !d.CreatedAt.IsZero() {
		telemetry.QueueWaitSeconds.WithLabelValues(pool).Observe(time.Since(d.CreatedAt).Seconds())
	}
	_ = s.store.AppendEvent(ctx, claimed.JobID, "claimed", workerID)
	return claimed, nil
}

// Heartbeat records worker liveness. It does not extend the lease.
func (s *Service) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return s.store.Heartbeat(ctx, jobID, workerID)
}

// ExtendLease pushes both the row lease and, when a receipt handle is
// present, the transport visibility deadline.
func (s *Service) ExtendLease(ctx context.Context, claimed *models.ClaimedJob, workerID string) error {
	if err := s.store.ExtendLease(ctx, claimed.JobID, workerID, s.opts.Visibility); err != nil {
		return err
	}
	if claimed.ReceiptHandle != "" {
		if t := s.transports[models.PoolFor(claimed.Type)]; t != nil {
			if err := t.ExtendVisibility(ctx, claimed.ReceiptHandle, s.opts.Visibility); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompleteParams carries the execution output. Confidence, when set, runs
// through tier policy and may turn a nominal success into review or failure.
type CompleteParams struct {
	Result     []byte
	Confidence *float64
}

// Complete reports success. Idempotent: completing an already-terminal job
// is a no-op that returns nil.
func (s *Service) Complete(ctx context.Context, claimed *models.ClaimedJob, workerID string, p CompleteParams) error {
	res := s.policy.ResolveSuccess(ctx, claimed.Tier, p.Confidence)
	if res.Status == models.StatusFailed {
		// Premium score below the hard floor: route through the failure
		// path so GPU fallback eligibility is evaluated.
		confidence := 0.0
		if p.Confidence != nil {
			confidence = *p.Confidence
		}
		return s.Fail(ctx, claimed, workerID, policy.Failure{
			Code:       policy.CodeLowConfidence,
			Message:    fmt.Sprintf("confidence %.2f below hard floor", confidence),
			Confidence: confidence,
		})
	}

	applied, err := s.store.SetTerminal(ctx, claimed.JobID, workerID, res.Status, "", p.Result, res.ReviewCandidate)
	if err != nil {
		return err
	}
	s.deleteMessage(ctx, claimed)
	if !applied {
		s.logger.Debug("completion was a no-op", zap.String("job_id", claimed.JobID))
		return nil
	}
	_ = s.store.AppendEvent(ctx, claimed.JobID, "completed", res.Status)
	telemetry.CompleteCounter.WithLabelValues(models.PoolFor(claimed.Type), res.Status).Inc()
	return nil
}

// Fail reports a failure. Retryable failures below the attempt budget are
// rescheduled with exponential backoff; everything else goes through tier
// policy for its terminal status. Idempotent like Complete.
func (s *Service) Fail(ctx context.Context, claimed *models.ClaimedJob, workerID string, cause policy.Failure) error {
	pool := models.PoolFor(claimed.Type)
	if cause.Retryable && claimed.Attempt < claimed.MaxAttempts {
		delay := Backoff(s.opts.BackoffBase, s.opts.BackoffMax, claimed.Attempt)
		nextRun := time.Now().UTC().Add(delay)
		applied, err := s.store.ScheduleRetry(ctx, claimed.JobID, workerID, nextRun, cause.Error())
		if err != nil {
			return err
		}
		s.deleteMessage(ctx, claimed)
		if !applied {
			return nil
		}
		if t := s.transports[pool]; t != nil {
			msg := queue.Message{
				JobID:     claimed.JobID,
				JobType:   claimed.Type,
				Tier:      claimed.Tier,
				Payload:   claimed.Payload,
				TenantID:  claimed.TenantID,
				CreatedAt: time.Now().UTC(),
				Attempt:   claimed.Attempt,
			}
			if err := t.Publish(ctx, msg, delay); err != nil {
				// The row is already scheduled; a lost message only delays
				// the retry until a table sweep or manual requeue.
				s.logger.Warn("requeue publish failed", zap.String("job_id", claimed.JobID), zap.Error(err))
			}
		}
		_ = s.store.AppendEvent(ctx, claimed.JobID, "retry_scheduled",
			fmt.Sprintf("attempt=%d next_run=%s", claimed.Attempt, nextRun.Format(time.RFC3339)))
		telemetry.RetryCounter.WithLabelValues(pool).Inc()
		return nil
	}

	res := s.policy.ResolveFailure(ctx, claimed.Tier, claimed.TenantID, cause)
	resultMeta, _ := json.Marshal(map[string]any{
		"error_code":       cause.Code,
		"error":            store.TruncateError(cause.Message),
		"review_candidate": res.ReviewCandidate,
	})
	applied, err := s.store.SetTerminal(ctx, claimed.JobID, workerID, res.Status, cause.Error(), resultMeta, res.ReviewCandidate)
	if err != nil {
		return err
	}
	s.deleteMessage(ctx, claimed)
	if !applied {
		s.logger.Debug("failure report was a no-op", zap.String("job_id", claimed.JobID))
		return nil
	}
	_ = s.store.AppendEvent(ctx, claimed.JobID, "failed", fmt.Sprintf("status=%s code=%s", res.Status, cause.Code))
	telemetry.CompleteCounter.WithLabelValues(pool, res.Status).Inc()
	return nil
}

// GetJob exposes the persisted job state for status queries.
func (s *Service) GetJob(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// GetResult exposes the result record, independent of job state.
func (s *Service) GetResult(ctx context.Context, jobID string) (models.Result, bool, error) {
	return s.store.GetResult(ctx, jobID)
}

func (s *Service) deleteMessage(ctx context.Context, claimed *models.ClaimedJob) {
	if claimed.ReceiptHandle == "" {
		return
	}
	if t := s.transports[models.PoolFor(claimed.Type)]; t != nil {
		if err := t.Delete(ctx, claimed.ReceiptHandle); err != nil {
			s.logger.Warn("delete message failed", zap.String("job_id", claimed.JobID), zap.Error(err))
		}
	}
}

// Backoff computes the retry delay for the given attempt (1-based):
// base * 2^(attempt-1), capped. Deliberately deterministic so successive
// delays for the same job never shrink.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
