package compose

import (
	"errors"
	"fmt"

	"github.com/maauso/stockreel-api/internal/fetch"
	"github.com/maauso/stockreel-api/internal/pexels"
)

// Error taxonomy. Per-clip conditions (ErrAssetFetch, ErrClipProcessing) are
// skipped with a warning; everything else ends the job.
var (
	// ErrUpstreamSearch is returned when the stock index cannot be queried.
	ErrUpstreamSearch = pexels.ErrUpstreamSearch
	// ErrNoSuitableCandidates is returned when no usable footage is found.
	ErrNoSuitableCandidates = errors.New("no suitable stock footage")
	// ErrAssetFetch is returned when a download fails.
	ErrAssetFetch = fetch.ErrAssetFetch
	// ErrClipProcessing is returned when a clip cannot be probed or processed.
	ErrClipProcessing = errors.New("clip processing failed")
	// ErrComposition is returned when joining, masking or compositing fails.
	ErrComposition = errors.New("composition failed")
	// ErrEncode is returned when the final output cannot be written.
	ErrEncode = errors.New("encode failed")
)

// Stage names a step of a composition pipeline.
type Stage string

// Chroma-key stages, in order.
const (
	StageLoadForeground        Stage = "LoadForeground"
	StageSelectBackground      Stage = "SelectBackground"
	StageFetchAndProcessClips  Stage = "FetchAndProcessBackgroundClips"
	StageConcatenateBackground Stage = "ConcatenateBackground"
	StageBuildMask             Stage = "BuildMask"
	StageApplyMask             Stage = "ApplyMask"
	StageComposite             Stage = "Composite"
	StageEncode                Stage = "Encode"
	StageCleanup               Stage = "Cleanup"
)

// Montage stages, in order. Encode and Cleanup are shared.
const (
	StageSelectClips          Stage = "SelectClips"
	StageFetchAndProcessMedia Stage = "FetchAndProcessClips"
	StageConcatenate          Stage = "Concatenate"
)

// StageError is the single terminating error of a pipeline run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// IsRecoverable reports whether err is a condition the pipeline skips and
// continues past. Errors that ended a run, wrapped in a StageError, are never
// recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return false
	}
	return errors.Is(err, ErrUpstreamSearch) ||
		errors.Is(err, ErrAssetFetch) ||
		errors.Is(err, ErrClipProcessing)
}
