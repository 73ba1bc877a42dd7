package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Pending and Retrying are the
// only claimable states; Retrying is Pending reached through explicit backoff
// scheduling and is kept distinct so status queries can tell "never ran" from
// "ran and will run again".
const (
	StatusPending        = "pending"
	StatusRetrying       = "retrying"
	StatusRunning        = "running"
	StatusDone           = "done"
	StatusFailed         = "failed"
	StatusRejectedInput  = "rejected_bad_input"
	StatusFallbackToGPU  = "fallback_to_gpu"
	StatusReviewRequired = "review_required"
)

// IsTerminal reports whether no further transitions are allowed from status.
func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusRejectedInput, StatusFallbackToGPU, StatusReviewRequired:
		return true
	}
	return false
}

// IsClaimable reports whether a claim may transition status to running.
// Running jobs become claimable again once their lease expires; the store
// enforces that part with the lease deadline.
func IsClaimable(status string) bool {
	return status == StatusPending || status == StatusRetrying
}

// Service tiers. Lite and basic never surface a hard failure; premium may.
const (
	TierLite    = "lite"
	TierBasic   = "basic"
	TierPremium = "premium"
)

// JobType identifies the kind of work a job carries. The worker dispatches
// on it exhaustively; adding a type means adding a payload struct and a
// dispatch arm.
type JobType string

const (
	JobTypeOCR           JobType = "ocr"
	JobTypeOMRGrading    JobType = "omr_grading"
	JobTypeVideoAnalysis JobType = "homework_video_analysis"
	JobTypeExcelParsing  JobType = "excel_parsing"
	JobTypeTranscode     JobType = "video_transcode"
)

// Worker pools. The media pool runs transcodes; everything else goes to the
// AI pool.
const (
	PoolAI    = "ai"
	PoolMedia = "media"
)

// PoolFor maps a job type to the worker pool that executes it.
func PoolFor(t JobType) string {
	if t == JobTypeTranscode {
		return PoolMedia
	}
	return PoolAI
}

// Job is the durable record of a unit of asynchronous work.
type Job struct {
	ID              string     `json:"id"`
	Type            JobType    `json:"type"`
	Tier            string     `json:"tier"`
	TenantID        string     `json:"tenant_id"`
	Payload         []byte     `json:"payload"`
	SourceDomain    *string    `json:"source_domain,omitempty"`
	SourceID        *string    `json:"source_id,omitempty"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	LockedBy        *string    `json:"locked_by,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastError       *string    `json:"last_error,omitempty"`
	IdempotencyKey  *string    `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Result is the one-to-one output record for a job, kept separate so "job
// exists" and "job produced output" are independently queryable. Writes
// overwrite.
type Result struct {
	JobID           string    `json:"job_id"`
	Payload         []byte    `json:"payload"`
	ReviewCandidate bool      `json:"review_candidate"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ClaimedJob is the in-memory projection handed to a worker on a successful
// claim. It is derived from Job at claim time and never persisted.
type ClaimedJob struct {
	JobID          string    `json:"job_id"`
	Type           JobType   `json:"type"`
	Tier           string    `json:"tier"`
	TenantID       string    `json:"tenant_id"`
	Payload        []byte    `json:"payload"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"max_attempts"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	ReceiptHandle  string    `json:"receipt_handle,omitempty"`
}

// JobEvent is an audit row appended on lifecycle transitions.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// TenantProfile carries per-tenant entitlements consulted by the policy
// engine. Absence of a row is reported separately from an explicit denial.
type TenantProfile struct {
	TenantID           string `json:"tenant_id"`
	PremiumEnabled     bool   `json:"premium_enabled"`
	GPUFallbackEnabled bool   `json:"gpu_fallback_enabled"`
}
