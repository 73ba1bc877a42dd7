package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"academy-job-core/internal/inference"
	"academy-job-core/internal/media"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
)

type fakeMediaRunner struct {
	result        media.RunResult
	err           error
	deletedBucket string
	deletedKey    string
}

func (f *fakeMediaRunner) Run(context.Context, string, models.TranscodePayload, media.ProgressFunc) (media.RunResult, error) {
	return f.result, f.err
}

func (f *fakeMediaRunner) DeleteSource(_ context.Context, bucket, key string) {
	f.deletedBucket = bucket
	f.deletedKey = key
}

type fakeInferencer struct {
	resp inference.Response
	err  error
	got  inference.Request
}

func (f *fakeInferencer) Infer(_ context.Context, req inference.Request) (inference.Response, error) {
	f.got = req
	return f.resp, f.err
}

func newDispatcher(m MediaRunner, i Inferencer) *Dispatcher {
	return NewDispatcher(m, i, &scriptedService{}, "w-test", zap.NewNop())
}

func transcodeClaim(t *testing.T) *models.ClaimedJob {
	t.Helper()
	raw, err := json.Marshal(models.TranscodePayload{
		SourceBucket: "uploads",
		SourceKey:    "v/1.mp4",
		OutputPrefix: "out/1",
	})
	require.NoError(t, err)
	return &models.ClaimedJob{JobID: "job-1", Type: models.JobTypeTranscode, Tier: models.TierBasic, Payload: raw}
}

func TestExecuteRejectsUndecodablePayload(t *testing.T) {
	d := newDispatcher(&fakeMediaRunner{}, &fakeInferencer{})
	_, err := d.Execute(context.Background(), &models.ClaimedJob{
		JobID: "job-1", Type: "mystery_type", Payload: []byte(`{}`),
	})
	var f policy.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.CodeCorruptedInput, f.Code)
}

func TestExecuteTranscodeDeletesSourceOnlyAfterCompletion(t *testing.T) {
	runner := &fakeMediaRunner{result: media.RunResult{Payload: []byte(`{"variants":3}`)}}
	d := newDispatcher(runner, &fakeInferencer{})

	outcome, err := d.Execute(context.Background(), transcodeClaim(t))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"variants":3}`), outcome.Result)
	require.NotNil(t, outcome.PostComplete)
	assert.Empty(t, runner.deletedKey, "source survives until the job is durably done")

	outcome.PostComplete(context.Background())
	assert.Equal(t, "uploads", runner.deletedBucket)
	assert.Equal(t, "v/1.mp4", runner.deletedKey)
}

func TestExecuteTranscodeMapsStageErrors(t *testing.T) {
	runner := &fakeMediaRunner{err: &media.StageError{
		Stage: "probe", Code: media.CodeCorruptedInput, Message: "no video stream", Retryable: false,
	}}
	d := newDispatcher(runner, &fakeInferencer{})

	_, err := d.Execute(context.Background(), transcodeClaim(t))
	var f policy.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.CodeCorruptedInput, f.Code)
	assert.False(t, f.Retryable)
	assert.Contains(t, f.Message, "probe")
}

func TestExecuteTranscodeValidationFailureIsMarkedValidation(t *testing.T) {
	runner := &fakeMediaRunner{err: &media.StageError{
		Stage: "validate", Code: media.CodeValidation, Message: "variant 480p has 0 segments", Retryable: false,
	}}
	d := newDispatcher(runner, &fakeInferencer{})

	_, err := d.Execute(context.Background(), transcodeClaim(t))
	var f policy.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.CodeValidation, f.Code)
	// Validation failures must stay GPU-fallback eligible downstream.
	assert.True(t, f.Validation)
	assert.False(t, f.Retryable)
}

func TestExecuteInferenceSuccessCarriesConfidence(t *testing.T) {
	confidence := 0.87
	inf := &fakeInferencer{resp: inference.Response{
		Output:     json.RawMessage(`{"text":"hello"}`),
		Confidence: &confidence,
	}}
	d := newDispatcher(&fakeMediaRunner{}, inf)

	claim := &models.ClaimedJob{
		JobID: "job-2", Type: models.JobTypeOCR, TenantID: "tenant-1",
		Payload: []byte(`{"document_url":"https://files/doc.pdf"}`),
	}
	outcome, err := d.Execute(context.Background(), claim)
	require.NoError(t, err)
	require.NotNil(t, outcome.Confidence)
	assert.Equal(t, 0.87, *outcome.Confidence)
	assert.Equal(t, models.JobTypeOCR, inf.got.JobType)
	assert.Equal(t, "tenant-1", inf.got.TenantID)
}

func TestExecuteInferenceTransportErrorIsRetryable(t *testing.T) {
	inf := &fakeInferencer{err: &inference.TransportError{Err: errors.New("dial tcp: refused")}}
	d := newDispatcher(&fakeMediaRunner{}, inf)

	_, err := d.Execute(context.Background(), &models.ClaimedJob{
		JobID: "job-2", Type: models.JobTypeOCR, Payload: []byte(`{"document_url":"https://x"}`),
	})
	var f policy.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.CodeTransient, f.Code)
	assert.True(t, f.Retryable)
}

func TestExecuteInferenceServiceErrorCodePassesThrough(t *testing.T) {
	confidence := 0.12
	inf := &fakeInferencer{resp: inference.Response{
		ErrorCode:    policy.CodeLowConfidence,
		ErrorMessage: "model unsure",
		Confidence:   &confidence,
	}}
	d := newDispatcher(&fakeMediaRunner{}, inf)

	_, err := d.Execute(context.Background(), &models.ClaimedJob{
		JobID: "job-2", Type: models.JobTypeOCR, Payload: []byte(`{"document_url":"https://x"}`),
	})
	var f policy.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, policy.CodeLowConfidence, f.Code)
	assert.Equal(t, 0.12, f.Confidence)
}
