package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"academy-job-core/internal/jobs"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
)

// scriptedService feeds the runtime a fixed claim sequence and records every
// report it receives.
type scriptedService struct {
	mu         sync.Mutex
	claims     []*models.ClaimedJob
	claimErrs  []error
	claimCalls int
	completed  []*models.ClaimedJob
	failures   []policy.Failure
}

func (s *scriptedService) Claim(context.Context, string, string) (*models.ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.claimCalls
	s.claimCalls++
	if i < len(s.claimErrs) && s.claimErrs[i] != nil {
		return nil, s.claimErrs[i]
	}
	if i < len(s.claims) {
		return s.claims[i], nil
	}
	return nil, nil
}

func (s *scriptedService) Heartbeat(context.Context, string, string) error { return nil }

func (s *scriptedService) ExtendLease(context.Context, *models.ClaimedJob, string) error {
	return nil
}

func (s *scriptedService) Complete(_ context.Context, claimed *models.ClaimedJob, _ string, _ jobs.CompleteParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, claimed)
	return nil
}

func (s *scriptedService) Fail(_ context.Context, _ *models.ClaimedJob, _ string, cause policy.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, cause)
	return nil
}

func (s *scriptedService) snapshot() (completed int, failures []policy.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), append([]policy.Failure(nil), s.failures...)
}

type execFunc func(ctx context.Context, claimed *models.ClaimedJob) (Outcome, error)

func (f execFunc) Execute(ctx context.Context, claimed *models.ClaimedJob) (Outcome, error) {
	return f(ctx, claimed)
}

func testOptions() Options {
	return Options{
		WorkerID:        "w-test",
		Pool:            models.PoolAI,
		PollInterval:    time.Millisecond,
		IdleStopPolls:   3,
		MaxConsecErrors: 3,
	}
}

func claimedOCR() *models.ClaimedJob {
	return &models.ClaimedJob{
		JobID:       "job-1",
		Type:        models.JobTypeOCR,
		Tier:        models.TierBasic,
		Payload:     []byte(`{"document_url":"https://files/doc.pdf"}`),
		Attempt:     1,
		MaxAttempts: 3,
	}
}

func TestRunStopsAfterIdleThreshold(t *testing.T) {
	svc := &scriptedService{}
	r := New(svc, execFunc(func(context.Context, *models.ClaimedJob) (Outcome, error) {
		t.Fatal("executor must not run on an empty queue")
		return Outcome{}, nil
	}), testOptions(), zap.NewNop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrIdleStop)
	assert.Equal(t, 3, svc.claimCalls)
}

func TestRunStopsAfterErrorBudget(t *testing.T) {
	boom := errors.New("db gone")
	svc := &scriptedService{claimErrs: []error{boom, boom, boom, boom}}
	r := New(svc, execFunc(func(context.Context, *models.ClaimedJob) (Outcome, error) {
		return Outcome{}, nil
	}), testOptions(), zap.NewNop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrTooManyErrors)
	assert.Equal(t, 3, svc.claimCalls)
}

func TestRunReportsCompletionAndRunsPostComplete(t *testing.T) {
	svc := &scriptedService{claims: []*models.ClaimedJob{claimedOCR()}}
	postCompleted := false
	r := New(svc, execFunc(func(_ context.Context, claimed *models.ClaimedJob) (Outcome, error) {
		require.Equal(t, "job-1", claimed.JobID)
		return Outcome{
			Result:       []byte(`{"pages":2}`),
			PostComplete: func(context.Context) { postCompleted = true },
		}, nil
	}), testOptions(), zap.NewNop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrIdleStop)
	completed, failures := svc.snapshot()
	assert.Equal(t, 1, completed)
	assert.Empty(t, failures)
	assert.True(t, postCompleted, "post-complete hook runs after the durable write")
}

func TestRunNormalizesPlainErrorsToRetryableTransient(t *testing.T) {
	svc := &scriptedService{claims: []*models.ClaimedJob{claimedOCR()}}
	r := New(svc, execFunc(func(context.Context, *models.ClaimedJob) (Outcome, error) {
		return Outcome{}, errors.New("connection reset by peer")
	}), testOptions(), zap.NewNop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrIdleStop)
	_, failures := svc.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, policy.CodeTransient, failures[0].Code)
	assert.True(t, failures[0].Retryable)
}

func TestRunPreservesTypedFailures(t *testing.T) {
	svc := &scriptedService{claims: []*models.ClaimedJob{claimedOCR()}}
	r := New(svc, execFunc(func(context.Context, *models.ClaimedJob) (Outcome, error) {
		return Outcome{}, policy.Failure{Code: policy.CodeCorruptedInput, Message: "bad pdf"}
	}), testOptions(), zap.NewNop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrIdleStop)
	_, failures := svc.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, policy.CodeCorruptedInput, failures[0].Code)
	assert.False(t, failures[0].Retryable)
}

func TestRunSurvivesExecutorPanic(t *testing.T) {
	svc := &scriptedService{claims: []*models.ClaimedJob{claimedOCR()}}
	r := New(svc, execFunc(func(context.Context, *models.ClaimedJob) (Outcome, error) {
		panic("nil map write in handler")
	}), testOptions(), zap.NewNop())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrIdleStop)
	_, failures := svc.snapshot()
	require.Len(t, failures, 1)
	assert.Equal(t, policy.CodeStageFailure, failures[0].Code)
	assert.Contains(t, failures[0].Message, "panic in job handler")
}

func TestRunDrainsInFlightJobOnShutdown(t *testing.T) {
	svc := &scriptedService{claims: []*models.ClaimedJob{claimedOCR()}}
	ctx, cancel := context.WithCancel(context.Background())

	r := New(svc, execFunc(func(execCtx context.Context, _ *models.ClaimedJob) (Outcome, error) {
		cancel()
		// The job context is detached from the loop context; shutdown must
		// not abort work already in flight.
		require.NoError(t, execCtx.Err())
		return Outcome{Result: []byte(`{}`)}, nil
	}), testOptions(), zap.NewNop())

	err := r.Run(ctx)
	assert.NoError(t, err)
	completed, failures := svc.snapshot()
	assert.Equal(t, 1, completed, "in-flight job is reported before the loop exits")
	assert.Empty(t, failures)
}
