package model

import "fmt"

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchQueued      BatchStatus = "queued"
	BatchResearching BatchStatus = "researching"
	BatchRunning     BatchStatus = "running"
	BatchDone        BatchStatus = "done"
	BatchFailed      BatchStatus = "failed"
	BatchCancelled   BatchStatus = "cancelled"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchQueued:      {BatchResearching, BatchRunning, BatchCancelled},
	BatchResearching: {BatchRunning, BatchFailed, BatchCancelled},
	BatchRunning:     {BatchDone, BatchFailed, BatchCancelled},
}

// IsTerminal reports whether no further transition is allowed.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchDone, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is an allowed edge.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentStatus records the billing outcome of a batch.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCharged  PaymentStatus = "charged"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFree     PaymentStatus = "free"
)

// ClipStatus is the internal pipeline position of a clip. It drives branching.
type ClipStatus string

const (
	ClipPlanned    ClipStatus = "planned"
	ClipScripting  ClipStatus = "scripting"
	ClipVO         ClipStatus = "vo"
	ClipRendering  ClipStatus = "rendering"
	ClipAssembling ClipStatus = "assembling"
	ClipGenerating ClipStatus = "generating"
	ClipReady      ClipStatus = "ready"
	ClipFailed     ClipStatus = "failed"
)

// IsTerminal reports whether the clip will not be processed further.
func (s ClipStatus) IsTerminal() bool {
	return s == ClipReady || s == ClipFailed
}

// DefaultUIState maps an internal status to the state shown when no explicit
// UI state has been recorded.
func (s ClipStatus) DefaultUIState() ClipUIState {
	switch s {
	case ClipPlanned:
		return UIQueued
	case ClipScripting:
		return UIWriting
	case ClipVO:
		return UIVoicing
	case ClipRendering:
		return UIRendering
	case ClipAssembling:
		return UIAssembling
	case ClipGenerating:
		return UIRendering
	case ClipReady:
		return UIReady
	case ClipFailed:
		return UIFailedNotCharged
	default:
		return UIQueued
	}
}

// ClipUIState is the user-facing progress label of a clip.
type ClipUIState string

const (
	UIQueued           ClipUIState = "queued"
	UIWriting          ClipUIState = "writing"
	UIVoicing          ClipUIState = "voicing"
	UISubmitting       ClipUIState = "submitting"
	UIRendering        ClipUIState = "rendering"
	UIRenderingDelayed ClipUIState = "rendering_delayed"
	UIAssembling       ClipUIState = "assembling"
	UIReady            ClipUIState = "ready"
	UIFailedNotCharged ClipUIState = "failed_not_charged"
	UIFailedCharged    ClipUIState = "failed_charged"
	UICanceled         ClipUIState = "canceled"
)

// ChargedState records whether an upstream provider may have billed for a
// failed clip.
type ChargedState string

const (
	ChargedUnknown ChargedState = "unknown"
	NotCharged     ChargedState = "not_charged"
	Charged        ChargedState = "charged"
)

// JobType identifies the pipeline stage a job executes.
type JobType string

const (
	JobResearch     JobType = "research"
	JobCompile      JobType = "compile"
	JobTTS          JobType = "tts"
	JobVideo        JobType = "video"
	JobAssemble     JobType = "assemble"
	JobImage        JobType = "image"
	JobImageCompile JobType = "image_compile"
)

// AllJobTypes lists every job type in pipeline order.
var AllJobTypes = []JobType{
	JobResearch,
	JobCompile,
	JobTTS,
	JobVideo,
	JobAssemble,
	JobImageCompile,
	JobImage,
}

// IsBatchLevel reports whether jobs of this type carry no clip.
func (t JobType) IsBatchLevel() bool {
	switch t {
	case JobResearch, JobCompile, JobImageCompile:
		return true
	default:
		return false
	}
}

func ParseJobType(s string) (JobType, error) {
	for _, t := range AllJobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning},
	JobRunning: {JobDone, JobFailed, JobQueued},
}

// CanTransitionTo reports whether s -> next is an allowed edge. Running back
// to queued is the retry and stuck-reset edge.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed
}

// FailureClass is the user-visible error taxonomy recorded on failed clips.
type FailureClass string

const (
	FailVideo          FailureClass = "video"
	FailVoice          FailureClass = "voice"
	FailScript         FailureClass = "script"
	FailAssembly       FailureClass = "assembly"
	FailContentPolicy  FailureClass = "content_policy"
	FailRetryExhausted FailureClass = "retry_exhausted"
	FailCancelled      FailureClass = "cancelled"
)

// DefaultFailureClass returns the class used when a stage fails without a
// more specific classification.
func DefaultFailureClass(t JobType) FailureClass {
	switch t {
	case JobResearch, JobCompile, JobImageCompile:
		return FailScript
	case JobTTS:
		return FailVoice
	case JobVideo, JobImage:
		return FailVideo
	case JobAssemble:
		return FailAssembly
	default:
		return FailRetryExhausted
	}
}
