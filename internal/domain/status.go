package domain

// JobStatus is the aggregate status of one video generation job. The set is
// closed; new pipeline phases get a new constant and a schema version bump,
// not an ad-hoc string.
type JobStatus string

const (
	JobPending              JobStatus = "pending"
	JobGeneratingScript     JobStatus = "generating_script"
	JobGeneratingCharacters JobStatus = "generating_characters"
	JobGeneratingImages     JobStatus = "generating_images"
	JobGeneratingAudio      JobStatus = "generating_audio"
	JobGeneratingVideo      JobStatus = "generating_video"
	JobApplyingLipsync      JobStatus = "applying_lipsync"
	JobMerging              JobStatus = "merging"
	JobCombining            JobStatus = "combining"
	JobRetrying             JobStatus = "retrying"
	JobCompleted            JobStatus = "completed"
	JobFailed               JobStatus = "failed"
	JobCancelled            JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the per-stage ledger status.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// CanTransitionStep enforces the monotonic ledger ordering:
// pending -> processing -> {completed|failed|skipped}. The two sanctioned
// regressions are processing->processing (stage-local retry re-arm) and
// failed->pending (resume re-arm). Everything else, notably a jump straight
// to completed, is a programming error.
func CanTransitionStep(from, to StepStatus) bool {
	switch from {
	case StepPending:
		return to == StepProcessing || to == StepSkipped
	case StepProcessing:
		return to == StepProcessing || to == StepCompleted || to == StepFailed
	case StepFailed:
		return to == StepPending
	default:
		// completed and skipped are terminal.
		return false
	}
}

// ArtifactStatus is the lifecycle of one produced asset row.
type ArtifactStatus string

const (
	ArtifactPending    ArtifactStatus = "pending"
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactCompleted  ArtifactStatus = "completed"
	ArtifactFailed     ArtifactStatus = "failed"
)
