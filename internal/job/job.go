// Package job provides the Job aggregate for stock-footage render jobs: a
// status machine, per-stage progress, and the repository port used to
// persist jobs between the HTTP front end and the background runner.
package job

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/stockreel-api/internal/job/id"
)

// Kind is the render mode of a job.
type Kind string

const (
	// KindChromaKey replaces a foreground's key color with stock footage.
	KindChromaKey Kind = "chroma_key"
	// KindMontage joins stock clips with crossfades.
	KindMontage Kind = "montage"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	return k == KindChromaKey || k == KindMontage
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the job was accepted and has not started.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates the pipeline is executing.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the output was written.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates a stage ended the run.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled by a caller.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// ChromaParams are the inputs of a chroma-key job.
type ChromaParams struct {
	Term        string
	InputPath   string
	ChromaColor string
	Threshold   int
	Transition  float64
	Effect      string
}

// MontageParams are the inputs of a montage job.
type MontageParams struct {
	Term            string
	NVideos         int
	Width           int
	Height          int
	MinDuration     int
	MaxDuration     int
	Transition      float64
	FPS             int
	ColorCorrection bool
}

// Job is a render job aggregate.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Kind selects the pipeline.
	Kind Kind
	// Status is the current job state.
	Status Status
	// Stage is the pipeline stage last entered.
	Stage string
	// Progress is the percentage of stages entered (0-100).
	Progress int
	// Error contains the failure message of a FAILED job.
	Error string

	// Exactly one of Chroma and Montage is set, matching Kind.
	Chroma  *ChromaParams
	Montage *MontageParams

	// OutputPath is the local path of the rendered video.
	OutputPath string
	// PushToS3 publishes the output once rendered.
	PushToS3 bool
	// VideoURL is the published URL when PushToS3 was set.
	VideoURL string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// NewChroma creates a queued chroma-key job.
func NewChroma(p ChromaParams) *Job {
	j := newJob(id.Generate(), KindChromaKey)
	j.Chroma = &p
	return j
}

// NewMontage creates a queued montage job.
func NewMontage(p MontageParams) *Job {
	j := newJob(id.Generate(), KindMontage)
	j.Montage = &p
	return j
}

// NewWithID creates a queued job of the given kind with a fixed ID.
// Useful for testing.
func NewWithID(jobID string, kind Kind) *Job {
	return newJob(jobID, kind)
}

func newJob(jobID string, kind Kind) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Kind:      kind,
		Status:    StatusInQueue,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Term returns the search term of the job.
func (j *Job) Term() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	switch {
	case j.Chroma != nil:
		return j.Chroma.Term
	case j.Montage != nil:
		return j.Montage.Term
	}
	return ""
}

// TransitionTo changes the job status.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}
	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from IN_QUEUE to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED with full progress.
func (j *Job) Complete() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.Progress = 100
	return nil
}

// Fail transitions the job to FAILED with an error message.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// Cancel transitions the job to CANCELLED.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// EnterStage records the stage being entered and the resulting progress.
// Progress never moves backwards and is capped below 100 until Complete.
func (j *Job) EnterStage(stage string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = stage
	progress = max(0, min(progress, 99))
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = time.Now()
}

// SetOutput sets the output path and optional published URL.
func (j *Job) SetOutput(path, url string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = path
	j.VideoURL = url
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job can no longer change state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(validTransitions[j.Status]) == 0
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	c := &Job{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Stage:       j.Stage,
		Progress:    j.Progress,
		Error:       j.Error,
		OutputPath:  j.OutputPath,
		PushToS3:    j.PushToS3,
		VideoURL:    j.VideoURL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Chroma != nil {
		p := *j.Chroma
		c.Chroma = &p
	}
	if j.Montage != nil {
		p := *j.Montage
		c.Montage = &p
	}
	return c
}
