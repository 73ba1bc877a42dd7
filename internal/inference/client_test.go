package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"academy-job-core/internal/models"
)

func newTestClient(url string, retries int) *Client {
	return &Client{
		baseURL:    url,
		httpClient: &http.Client{},
		retries:    retries,
		logger:     zap.NewNop(),
	}
}

func TestInferDecodesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"output":{"text":"hi"},"confidence":0.93}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 0).Infer(context.Background(), Request{
		JobID:   "job-1",
		JobType: models.JobTypeOCR,
		Payload: []byte(`{"document_url":"https://x"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Confidence)
	assert.Equal(t, 0.93, *resp.Confidence)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Output))
}

func TestInferRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"output":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Infer(context.Background(), Request{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInferSurfacesExhaustedRetriesAsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Infer(context.Background(), Request{JobID: "job-1"})
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestInferDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Infer(context.Background(), Request{JobID: "job-1"})
	require.Error(t, err)
	var te *TransportError
	assert.False(t, errors.As(err, &te), "4xx is the caller's fault, not the network's")
	assert.Equal(t, int32(1), calls.Load())
}
