// Package worker runs the polling execution loop: claim a job, extend its
// lease in the background, execute the payload, report the outcome. One
// job's crash never takes the process down; the job boundary converts every
// execution error into a fail report.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"academy-job-core/internal/jobs"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
	"academy-job-core/internal/store"
)

// ErrTooManyErrors signals a bounded run of consecutive unexpected errors.
// The process should exit non-zero; an empty queue is idle, not an error.
var ErrTooManyErrors = errors.New("too many consecutive worker errors")

// ErrIdleStop signals the worker drained its queue for long enough that the
// host should scale in. It is a clean exit.
var ErrIdleStop = errors.New("idle poll threshold reached")

// JobService is the slice of the jobs contract the runtime uses.
type JobService interface {
	Claim(ctx context.Context, workerID, pool string) (*models.ClaimedJob, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	ExtendLease(ctx context.Context, claimed *models.ClaimedJob, workerID string) error
	Complete(ctx context.Context, claimed *models.ClaimedJob, workerID string, p jobs.CompleteParams) error
	Fail(ctx context.Context, claimed *models.ClaimedJob, workerID string, cause policy.Failure) error
}

// Outcome is what an executor produced. PostComplete, when set, runs only
// after the job has been durably marked done (source cleanup and the like).
type Outcome struct {
	Result       []byte
	Confidence   *float64
	PostComplete func(ctx context.Context)
}

// Executor runs one claimed job's payload.
type Executor interface {
	Execute(ctx context.Context, claimed *models.ClaimedJob) (Outcome, error)
}

// Options tunes the runtime loop.
type Options struct {
	WorkerID          string
	Pool              string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	IdleStopPolls     int
	MaxConsecErrors   int
}

// Runtime is a single worker process loop.
type Runtime struct {
	svc    JobService
	exec   Executor
	opts   Options
	logger *zap.Logger
}

// New builds a Runtime.
func New(svc JobService, exec Executor, opts Options, logger *zap.Logger) *Runtime {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval < 30*time.Second {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxConsecErrors <= 0 {
		opts.MaxConsecErrors = 10
	}
	return &Runtime{svc: svc, exec: exec, opts: opts, logger: logger}
}

// Run polls until the context is cancelled, the idle threshold is hit, or
// the error budget is exhausted. A context cancellation received while a job
// is in flight drains gracefully: the job finishes and is reported before
// Run returns, and no new claims are made.
func (r *Runtime) Run(ctx context.Context) error {
	idlePolls := 0
	errorRun := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		claimed, err := r.svc.Claim(ctx, r.opts.WorkerID, r.opts.Pool)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errorRun++
			r.logger.Error("claim failed", zap.Int("consecutive", errorRun), zap.Error(err))
			if errorRun >= r.opts.MaxConsecErrors {
				return ErrTooManyErrors
			}
			r.sleep(ctx)
			continue
		}
		errorRun = 0

		if claimed == nil {
			idlePolls++
			if r.opts.IdleStopPolls > 0 && idlePolls >= r.opts.IdleStopPolls {
				r.logger.Info("queue idle, stopping worker", zap.Int("empty_polls", idlePolls))
				return ErrIdleStop
			}
			r.sleep(ctx)
			continue
		}
		idlePolls = 0

		r.runJob(ctx, claimed)
	}
}

// runJob executes one claimed job with its background lease extender. The
// job itself runs on a context detached from the loop context so a shutdown
// signal drains instead of aborting mid-stage; executors enforce their own
// per-stage timeouts.
func (r *Runtime) runJob(loopCtx context.Context, claimed *models.ClaimedJob) {
	log := r.logger.With(zap.String("job_id", claimed.JobID), zap.String("job_type", string(claimed.Type)))
	log.Info("job claimed", zap.Int("attempt", claimed.Attempt))

	jobCtx := context.Background()
	extCtx, stopExtender := context.WithCancel(jobCtx)
	extenderDone := make(chan struct{})
	go r.extendLoop(extCtx, claimed, extenderDone)

	outcome, execErr := r.execute(jobCtx, claimed)

	// The extender must be gone before the outcome is reported so it cannot
	// race a lease extension against the terminal write.
	stopExtender()
	<-extenderDone

	reportCtx, cancel := context.WithTimeout(jobCtx, time.Minute)
	defer cancel()

	if execErr == nil {
		if err := r.svc.Complete(reportCtx, claimed, r.opts.WorkerID, jobs.CompleteParams{
			Result:     outcome.Result,
			Confidence: outcome.Confidence,
		}); err != nil {
			log.Error("completion report failed", zap.Error(err))
			return
		}
		log.Info("job completed")
		if outcome.PostComplete != nil {
			outcome.PostComplete(reportCtx)
		}
		return
	}

	cause := asFailure(execErr)
	log.Warn("job failed", zap.String("code", cause.Code), zap.Bool("retryable", cause.Retryable), zap.Error(execErr))
	if err := r.svc.Fail(reportCtx, claimed, r.opts.WorkerID, cause); err != nil {
		log.Error("failure report failed", zap.Error(err))
	}
}

// execute shields the loop from executor panics; a panicking payload is a
// non-retryable stage failure, not a dead process.
func (r *Runtime) execute(ctx context.Context, claimed *models.ClaimedJob) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = policy.Failure{
				Code:    policy.CodeStageFailure,
				Message: store.TruncateError(formatPanic(rec)),
			}
		}
	}()
	return r.exec.Execute(ctx, claimed)
}

// extendLoop extends the lease and heartbeats on every tick until cancelled.
// Individual extension failures are logged and retried on the next tick,
// never escalated into job failure.
func (r *Runtime) extendLoop(ctx context.Context, claimed *models.ClaimedJob, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.svc.ExtendLease(ctx, claimed, r.opts.WorkerID); err != nil {
			r.logger.Warn("lease extension failed", zap.String("job_id", claimed.JobID), zap.Error(err))
		}
		if err := r.svc.Heartbeat(ctx, claimed.JobID, r.opts.WorkerID); err != nil {
			r.logger.Warn("heartbeat failed", zap.String("job_id", claimed.JobID), zap.Error(err))
		}
	}
}

func (r *Runtime) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.opts.PollInterval):
	}
}

// asFailure normalizes executor errors into policy failures. Unrecognized
// errors are treated as retryable transients; the attempt budget bounds them.
func asFailure(err error) policy.Failure {
	var f policy.Failure
	if errors.As(err, &f) {
		return f
	}
	return policy.Failure{
		Code:      policy.CodeTransient,
		Message:   store.TruncateError(err.Error()),
		Retryable: true,
	}
}

func formatPanic(rec any) string {
	return fmt.Sprintf("panic in job handler: %v", rec)
}
