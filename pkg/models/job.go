package models

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// JobKind selects the cost model and executor route of a job.
type JobKind string

const (
	KindTranscription JobKind = "transcription"
	KindTranslation   JobKind = "translation"
	KindGeneric       JobKind = "generic"
)

// ParseJobKind maps a wire value to a JobKind. The legacy aliases
// "whisper", "text" and "gpt" are accepted.
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "transcription", "whisper":
		return KindTranscription, nil
	case "translation", "text", "gpt":
		return KindTranslation, nil
	case "generic":
		return KindGeneric, nil
	default:
		return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown job kind %q", s)}
	}
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	StatePending    JobState = "pending"
	StateQueued     JobState = "queued"
	StateDelayed    JobState = "delayed"
	StateProcessing JobState = "processing"
	StateDone       JobState = "done"
	StateFailed     JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ExecMode selects the executor. Mock never calls the paid API.
type ExecMode string

const (
	ModeLive ExecMode = "live"
	ModeMock ExecMode = "mock"
)

// TranscriptionParams parameterise a speech-to-text job.
type TranscriptionParams struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SpokenLang      string  `json:"spoken_lang,omitempty"`
	CaptionLang     string  `json:"caption_lang,omitempty"`
}

// TranslationParams parameterise a token-billed text job.
type TranslationParams struct {
	Tokens     int    `json:"tokens"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
}

// GenericParams parameterise a flat-cost job.
type GenericParams struct {
	Label string `json:"label,omitempty"`
}

// JobParams holds exactly the params struct matching the job kind.
type JobParams struct {
	Transcription *TranscriptionParams `json:"transcription,omitempty"`
	Translation   *TranslationParams   `json:"translation,omitempty"`
	Generic       *GenericParams       `json:"generic,omitempty"`
}

// Job is the persisted record of one unit of paid work.
// CostEstimated marks an actual cost the provider never reported.
// UncommittedUSD is spend the job incurred that has not reached the ledger yet.
type Job struct {
	ID               string      `json:"id"`
	Kind             JobKind     `json:"kind"`
	Params           JobParams   `json:"params"`
	Mode             ExecMode    `json:"mode"`
	State            JobState    `json:"state"`
	QueueReason      QueueReason `json:"queue_reason,omitempty"`
	EstimatedCostUSD float64     `json:"estimated_cost_usd"`
	ActualCostUSD    *float64    `json:"actual_cost_usd"`
	CostEstimated    bool        `json:"cost_estimated,omitempty"`
	BilledCostUSD    float64     `json:"billed_cost_usd,omitempty"`
	UncommittedUSD   float64     `json:"uncommitted_usd,omitempty"`
	Result           string      `json:"result,omitempty"`
	FailureReason    string      `json:"failure_reason,omitempty"`
	Attempts         int         `json:"attempts,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// JobRequest is the validated input to admission.
type JobRequest struct {
	ID               string    `json:"job_id,omitempty"`
	Kind             JobKind   `json:"kind"`
	Params           JobParams `json:"params"`
	EstimatedCostUSD *float64  `json:"estimated_cost_usd,omitempty"`
	Mode             ExecMode  `json:"mode,omitempty"`
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// Validate checks the request and reports every problem found. Missing
// params are allowed; the cost estimator applies the defaults.
func (r *JobRequest) Validate() error {
	var result *multierror.Error
	fail := func(field, msg string) {
		result = multierror.Append(result, &ValidationError{Field: field, Message: msg})
	}

	if r.ID != "" && !jobIDPattern.MatchString(r.ID) {
		fail("job_id", "must be 1-128 characters of [A-Za-z0-9_.:-]")
	}
	switch r.Mode {
	case "", ModeLive, ModeMock:
	default:
		fail("mode", fmt.Sprintf("unknown mode %q", r.Mode))
	}
	if r.EstimatedCostUSD != nil {
		if c := *r.EstimatedCostUSD; c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			fail("estimated_cost_usd", "must be a non-negative number")
		}
	}

	p := r.Params
	switch r.Kind {
	case KindTranscription:
		if p.Translation != nil || p.Generic != nil {
			fail("params", "transcription job carries params of another kind")
		}
		if t := p.Transcription; t != nil && (t.DurationSeconds < 0 || math.IsNaN(t.DurationSeconds) || math.IsInf(t.DurationSeconds, 0)) {
			fail("params.duration_seconds", "must be a finite, non-negative number")
		}
	case KindTranslation:
		if p.Transcription != nil || p.Generic != nil {
			fail("params", "translation job carries params of another kind")
		}
		if t := p.Translation; t != nil && t.Tokens < 0 {
			fail("params.tokens", "must not be negative")
		}
	case KindGeneric:
		if p.Transcription != nil || p.Translation != nil {
			fail("params", "generic job carries params of another kind")
		}
	default:
		fail("kind", fmt.Sprintf("unknown job kind %q", r.Kind))
	}

	return result.ErrorOrNil()
}

// QueueReason records which cap caused a job to wait.
type QueueReason string

const (
	ReasonSoftCap QueueReason = "soft_cap"
	ReasonHardCap QueueReason = "hard_cap"
)

// QueueEntry references a waiting job. There is at most one per job.
type QueueEntry struct {
	JobID    string      `json:"job_id"`
	Reason   QueueReason `json:"reason"`
	QueuedAt time.Time   `json:"queued_at"`
}

// JobStatus is the caller-facing view of a job.
// Payment is set when only a checkout session is known for the id.
type JobStatus struct {
	JobID            string   `json:"job_id"`
	State            JobState `json:"state"`
	Result           string   `json:"result,omitempty"`
	Error            string   `json:"error,omitempty"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd,omitempty"`
	ActualCostUSD    *float64 `json:"actual_cost_usd,omitempty"`
	Payment          string   `json:"payment,omitempty"`
}

// ReplayResult summarises one replay pass.
type ReplayResult struct {
	Processed  int    `json:"processed_jobs"`
	Failed     int    `json:"failed_jobs"`
	Remaining  int    `json:"remaining_queued"`
	Reaped     int    `json:"reaped_jobs,omitempty"`
	Reconciled int    `json:"reconciled_jobs,omitempty"`
	Stopped    bool   `json:"stopped"`
	Reason     string `json:"reason,omitempty"`
}
