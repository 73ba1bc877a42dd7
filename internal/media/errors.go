package media

import "fmt"

// Machine-readable stage error codes. They line up with the policy engine's
// failure codes so the worker can pass them through unchanged.
const (
	CodeTransient      = "transient"
	CodeTimeout        = "timeout"
	CodeCorruptedInput = "corrupted_input"
	CodeStageFailure   = "stage_failure"
	CodeValidation     = "validation_failed"
)

// StageError tags a pipeline failure with the stage that raised it. Every
// stage except thumbnail propagates one of these; nothing is silently
// swallowed.
type StageError struct {
	Stage     string
	Code      string
	Message   string
	Retryable bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %s", e.Stage, e.Code, e.Message)
}

func stageErr(stage, code, msg string, retryable bool) *StageError {
	return &StageError{Stage: stage, Code: code, Message: msg, Retryable: retryable}
}
