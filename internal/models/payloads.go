package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed content of a job, one implementation per JobType.
type Payload interface {
	JobType() JobType
	Validate() error
}

// TranscodePayload drives the media pipeline.
type TranscodePayload struct {
	SourceBucket string `json:"source_bucket"`
	SourceKey    string `json:"source_key"`
	OutputPrefix string `json:"output_prefix"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
}

func (TranscodePayload) JobType() JobType { return JobTypeTranscode }

func (p TranscodePayload) Validate() error {
	if p.SourceBucket == "" || p.SourceKey == "" {
		return fmt.Errorf("source_bucket and source_key are required")
	}
	if p.OutputPrefix == "" {
		return fmt.Errorf("output_prefix is required")
	}
	return nil
}

// OCRPayload asks the inference service to read a scanned document.
type OCRPayload struct {
	DocumentURL string `json:"document_url"`
	Language    string `json:"language,omitempty"`
	PageCount   int    `json:"page_count,omitempty"`
}

func (OCRPayload) JobType() JobType { return JobTypeOCR }

func (p OCRPayload) Validate() error {
	if p.DocumentURL == "" {
		return fmt.Errorf("document_url is required")
	}
	return nil
}

// OMRGradingPayload grades a bubble-sheet exam against an answer key.
type OMRGradingPayload struct {
	SheetURL    string `json:"sheet_url"`
	AnswerKeyID string `json:"answer_key_id"`
	Mode        string `json:"mode,omitempty"` // "fast" or "accurate"
}

func (OMRGradingPayload) JobType() JobType { return JobTypeOMRGrading }

func (p OMRGradingPayload) Validate() error {
	if p.SheetURL == "" || p.AnswerKeyID == "" {
		return fmt.Errorf("sheet_url and answer_key_id are required")
	}
	return nil
}

// VideoAnalysisPayload reviews a homework video recording.
type VideoAnalysisPayload struct {
	VideoURL        string `json:"video_url"`
	RubricID        string `json:"rubric_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (VideoAnalysisPayload) JobType() JobType { return JobTypeVideoAnalysis }

func (p VideoAnalysisPayload) Validate() error {
	if p.VideoURL == "" {
		return fmt.Errorf("video_url is required")
	}
	return nil
}

// ExcelParsingPayload extracts a roster or gradebook from a spreadsheet.
type ExcelParsingPayload struct {
	FileURL   string `json:"file_url"`
	SheetName string `json:"sheet_name,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

func (ExcelParsingPayload) JobType() JobType { return JobTypeExcelParsing }

func (p ExcelParsingPayload) Validate() error {
	if p.FileURL == "" {
		return fmt.Errorf("file_url is required")
	}
	return nil
}

// DecodePayload unmarshals raw into the payload struct for t. Unknown job
// types are an error, not a default branch; every type is handled here.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case JobTypeTranscode:
		var v TranscodePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeOCR:
		var v OCRPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeOMRGrading:
		var v OMRGradingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeVideoAnalysis:
		var v VideoAnalysisPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case JobTypeExcelParsing:
		var v ExcelParsingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodePayload marshals a typed payload for persistence.
func EncodePayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	return raw, nil
}
