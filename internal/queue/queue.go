// Package queue defines the wire-level message transport used between job
// producers and worker fleets. The Postgres jobs table remains the source of
// truth for job state; a transport only decides when a worker looks at a job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"academy-job-core/internal/models"
)

// Message is the JSON envelope published alongside a job record. The payload
// stays opaque at this layer.
type Message struct {
	JobID        string          `json:"job_id"`
	JobType      models.JobType  `json:"job_type"`
	Tier         string          `json:"tier"`
	Payload      json.RawMessage `json:"payload"`
	TenantID     string          `json:"tenant_id,omitempty"`
	SourceDomain string          `json:"source_domain,omitempty"`
	SourceID     string          `json:"source_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Attempt      int             `json:"attempt"`
}

// Delivery is a received message plus the receipt handle required for
// delete and visibility-change calls.
type Delivery struct {
	Message
	ReceiptHandle string
}

// ErrMalformedMessage marks envelopes that cannot be acted on (unparseable
// body or missing receipt handle). Receivers skip these rather than failing
// the poll loop.
var ErrMalformedMessage = errors.New("malformed queue message")

// Broker is the transport contract. Receive returns (nil, nil) when the
// queue is empty; callers poll again rather than treating that as an error.
type Broker interface {
	Publish(ctx context.Context, msg Message, delay time.Duration) error
	Receive(ctx context.Context) (*Delivery, error)
	ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
	Delete(ctx context.Context, receiptHandle string) error
	Depth(ctx context.Context) (Depth, error)
}

// Depth is a point-in-time measurement of queue pressure. The autoscale
// signal is Visible+InFlight, never a database backlog count.
type Depth struct {
	Visible  int64
	InFlight int64
}

// Total is the scaling signal for a pool.
func (d Depth) Total() int64 { return d.Visible + d.InFlight }

// EncodeMessage renders the envelope body.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses an envelope body, rejecting bodies without a job id.
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, ErrMalformedMessage
	}
	if msg.JobID == "" {
		return Message{}, ErrMalformedMessage
	}
	return msg, nil
}
