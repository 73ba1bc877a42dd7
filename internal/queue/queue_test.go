package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"academy-job-core/internal/models"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		JobID:     "job-1",
		JobType:   models.JobTypeOCR,
		Tier:      models.TierPremium,
		Payload:   []byte(`{"document_url":"https://files/doc.pdf"}`),
		TenantID:  "tenant-1",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Attempt:   2,
	}
	body, err := EncodeMessage(msg)
	require.NoError(t, err)

	got, err := DecodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, msg.JobID, got.JobID)
	assert.Equal(t, msg.JobType, got.JobType)
	assert.Equal(t, msg.Attempt, got.Attempt)
	assert.JSONEq(t, string(msg.Payload), string(got.Payload))
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("not json at all"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeMessageRejectsMissingJobID(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"job_type":"ocr","tier":"basic"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDepthTotal(t *testing.T) {
	d := Depth{Visible: 5, InFlight: 2}
	assert.Equal(t, int64(7), d.Total())
}
