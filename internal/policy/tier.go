// Package policy is the sole authority translating raw execution outcomes
// into stored job statuses. Callers never write terminal statuses directly;
// they report what happened and the engine decides what is recorded.
package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"academy-job-core/internal/models"
)

// Machine-readable failure codes. The GPU-fallback eligibility set is fixed;
// pipeline stages may emit further codes, which are never fallback-eligible
// unless they are validation failures.
const (
	CodeTimeout        = "timeout"
	CodeCorruptedInput = "corrupted_input"
	CodeLowConfidence  = "low_confidence"
	CodeTransient      = "transient"
	CodeStageFailure   = "stage_failure"
	CodeValidation     = "validation_failed"
)

// Stable rejection codes returned by publish-time validation.
const (
	RejectOversizedInput   = "oversized_input"
	RejectUnsupportedInput = "unsupported_input"
	RejectModeNotAllowed   = "mode_not_allowed"
)

// Publish-time input ceilings.
const (
	maxTranscodeSourceBytes = int64(8) << 30 // 8 GiB
	maxExcelBytes           = int64(64) << 20
	maxVideoAnalysisSeconds = 2 * 60 * 60
)

// Confidence thresholds for premium outcomes: below the hard floor the job
// fails; inside [hard floor, review band) it needs review.
const (
	DefaultHardFloor          = 0.40
	DefaultReviewBand         = 0.70
	DefaultGPUConfidenceLimit = 0.25
)

// FlagProvider yields the current runtime policy flags. Implementations
// refresh on a bounded interval; the engine never caches them itself.
type FlagProvider interface {
	Current(ctx context.Context) Flags
}

// Flags are the runtime-tunable switches the engine consults.
type Flags struct {
	// ShadowReview downgrades REVIEW_REQUIRED to DONE with a review flag
	// so the review queue can be dark-launched.
	ShadowReview bool
}

// TenantProfiles looks up entitlements. Found=false means no profile row
// exists, which is reported distinctly from an explicit denial.
type TenantProfiles interface {
	GetTenantProfile(ctx context.Context, tenantID string) (models.TenantProfile, bool, error)
}

// Failure describes an execution failure as reported by a worker.
type Failure struct {
	Code       string
	Message    string
	Retryable  bool
	Confidence float64
	// Validation marks pre-execution validation failures, which are always
	// GPU-fallback eligible for entitled premium tenants.
	Validation bool
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Resolution is the engine's verdict: the status to store and whether the
// result carries a review flag.
type Resolution struct {
	Status          string
	ReviewCandidate bool
}

// Rejection is a publish-time refusal with a stable code.
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected (%s): %s", r.Code, r.Reason)
}

// Engine applies tier policy. Thresholds are fixed at construction; runtime
// behavior flows through the flag provider.
type Engine struct {
	tenants            TenantProfiles
	flags              FlagProvider
	hardFloor          float64
	reviewBand         float64
	gpuConfidenceLimit float64
	logger             *zap.Logger
}

// NewEngine builds a policy engine with the default thresholds.
func NewEngine(tenants TenantProfiles, flags FlagProvider, logger *zap.Logger) *Engine {
	return &Engine{
		tenants:            tenants,
		flags:              flags,
		hardFloor:          DefaultHardFloor,
		reviewBand:         DefaultReviewBand,
		gpuConfidenceLimit: DefaultGPUConfidenceLimit,
		logger:             logger,
	}
}

// ValidatePublish screens a job before it is ever queued. A non-nil
// rejection carries a stable code and must keep the job out of the queue.
func (e *Engine) ValidatePublish(tier string, payload models.Payload) *Rejection {
	if err := payload.Validate(); err != nil {
		return &Rejection{Code: RejectUnsupportedInput, Reason: err.Error()}
	}
	switch p := payload.(type) {
	case models.TranscodePayload:
		if p.SizeBytes > maxTranscodeSourceBytes {
			return &Rejection{Code: RejectOversizedInput, Reason: fmt.Sprintf("source is %d bytes", p.SizeBytes)}
		}
	case models.ExcelParsingPayload:
		if p.SizeBytes > maxExcelBytes {
			return &Rejection{Code: RejectOversizedInput, Reason: fmt.Sprintf("file is %d bytes", p.SizeBytes)}
		}
	case models.VideoAnalysisPayload:
		if tier == models.TierLite {
			return &Rejection{Code: RejectModeNotAllowed, Reason: "video analysis is not available on the lite tier"}
		}
		if p.DurationSeconds > maxVideoAnalysisSeconds {
			return &Rejection{Code: RejectOversizedInput, Reason: fmt.Sprintf("recording is %d seconds", p.DurationSeconds)}
		}
	case models.OMRGradingPayload:
		if p.Mode == "accurate" && tier != models.TierPremium {
			return &Rejection{Code: RejectModeNotAllowed, Reason: "accurate grading mode requires the premium tier"}
		}
	}
	return nil
}

// ResolveSuccess maps a successful execution (optionally carrying a model
// confidence) to a stored status. Lite and basic can only land on DONE; a
// low score just flags the result for review.
func (e *Engine) ResolveSuccess(ctx context.Context, tier string, confidence *float64) Resolution {
	if confidence == nil {
		return Resolution{Status: models.StatusDone}
	}
	c := *confidence
	if tier != models.TierPremium {
		if c < e.reviewBand {
			return Resolution{Status: models.StatusDone, ReviewCandidate: true}
		}
		return Resolution{Status: models.StatusDone}
	}
	switch {
	case c < e.hardFloor:
		return Resolution{Status: models.StatusFailed}
	case c < e.reviewBand:
		if e.flags.Current(ctx).ShadowReview {
			return Resolution{Status: models.StatusDone, ReviewCandidate: true}
		}
		return Resolution{Status: models.StatusReviewRequired}
	default:
		return Resolution{Status: models.StatusDone}
	}
}

// ResolveFailure maps a non-retryable (or retry-exhausted) failure to a
// stored status. Lite and basic never reach FAILED: the failure degrades to
// DONE with a review flag. Premium may fail outright or, when the tenant is
// entitled and the cause is eligible, fall back to the GPU pool.
func (e *Engine) ResolveFailure(ctx context.Context, tier, tenantID string, cause Failure) Resolution {
	if tier != models.TierPremium {
		return Resolution{Status: models.StatusDone, ReviewCandidate: true}
	}
	if e.gpuFallbackEligible(ctx, tenantID, cause) {
		return Resolution{Status: models.StatusFallbackToGPU}
	}
	return Resolution{Status: models.StatusFailed}
}

func (e *Engine) gpuFallbackEligible(ctx context.Context, tenantID string, cause Failure) bool {
	eligible := cause.Validation
	switch cause.Code {
	case CodeTimeout, CodeCorruptedInput, CodeValidation:
		eligible = true
	case CodeLowConfidence:
		eligible = cause.Confidence < e.gpuConfidenceLimit
	}
	if !eligible {
		return false
	}
	profile, found, err := e.tenants.GetTenantProfile(ctx, tenantID)
	if err != nil {
		e.logger.Warn("tenant profile lookup failed, denying gpu fallback",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return false
	}
	if !found {
		// Not configured is not the same as explicitly disabled; deny by
		// default but make the distinction visible.
		e.logger.Info("tenant profile missing, gpu fallback denied by default",
			zap.String("tenant_id", tenantID))
		return false
	}
	return profile.PremiumEnabled && profile.GPUFallbackEnabled
}
