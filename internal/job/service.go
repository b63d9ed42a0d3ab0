package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maauso/stockreel-api/internal/compose"
	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/storage"
)

// Service errors.
var (
	// ErrInputRequired is returned when a chroma-key job has no foreground.
	ErrInputRequired = errors.New("job: foreground input is required")
	// ErrInputNotFound is returned when the foreground path does not exist.
	ErrInputNotFound = errors.New("job: foreground input not found")
	// ErrInputOutsideRoot is returned when a foreground path is not inside
	// the input directory.
	ErrInputOutsideRoot = errors.New("job: foreground input outside input directory")
	// ErrJobTerminal is returned when cancelling a finished job.
	ErrJobTerminal = errors.New("job: job already finished")
	// ErrJobActive is returned when removing a job that has not finished.
	ErrJobActive = errors.New("job: job is still active")
	// ErrOutputNotReady is returned when the output of an unfinished job is requested.
	ErrOutputNotReady = errors.New("job: output not ready")
	// ErrNoRunner is returned when no pipeline is configured for a job kind.
	ErrNoRunner = errors.New("job: no pipeline configured for kind")
)

// outputName is the file name of the render inside a job workspace.
const outputName = "output.mp4"

// ChromaRunner runs the chroma-key pipeline.
type ChromaRunner interface {
	Composite(ctx context.Context, req compose.ChromaRequest) error
}

// MontageRunner runs the montage pipeline.
type MontageRunner interface {
	Composite(ctx context.Context, req compose.MontageRequest) error
}

// ChromaInput contains the inputs for a new chroma-key job.
type ChromaInput struct {
	ChromaParams
	// Foreground, when set, is stored in the job workspace and used instead
	// of InputPath.
	Foreground io.Reader
	// PushToS3 publishes the output once rendered.
	PushToS3 bool
}

// MontageInput contains the inputs for a new montage job.
type MontageInput struct {
	MontageParams
	// PushToS3 publishes the output once rendered.
	PushToS3 bool
}

// Service creates jobs and runs them through the compose pipelines, either
// synchronously (Run) or in the background (Start).
type Service struct {
	repo    Repository
	store   storage.Storage
	chroma  ChromaRunner
	montage MontageRunner
	logger  *slog.Logger
	// inputRoot confines foreground paths; empty accepts uploads only.
	inputRoot string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInputRoot allows foreground paths inside dir.
func WithInputRoot(dir string) ServiceOption {
	return func(s *Service) {
		if abs, err := filepath.Abs(dir); err == nil && dir != "" {
			s.inputRoot = abs
		}
	}
}

// NewService creates a Service.
func NewService(repo Repository, store storage.Storage, chroma ChromaRunner, montage MontageRunner, opts ...ServiceOption) *Service {
	s := &Service{
		repo:    repo,
		store:   store,
		chroma:  chroma,
		montage: montage,
		logger:  slog.Default(),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChromaJob validates the foreground, stores an uploaded one in the job
// workspace and persists the job in IN_QUEUE.
func (s *Service) CreateChromaJob(ctx context.Context, in ChromaInput) (*Job, error) {
	job := NewChroma(in.ChromaParams)
	job.PushToS3 = in.PushToS3

	switch {
	case in.Foreground != nil:
		path, err := s.store.SaveInput(ctx, job.ID, "foreground.mp4", in.Foreground)
		if err != nil {
			return nil, fmt.Errorf("save foreground: %w", err)
		}
		job.Chroma.InputPath = path
	case in.InputPath == "":
		return nil, ErrInputRequired
	default:
		path, err := s.confineInput(in.InputPath)
		if err != nil {
			return nil, err
		}
		job.Chroma.InputPath = path
	}

	return s.create(ctx, job)
}

// confineInput resolves a foreground path and checks that it is a regular file
// inside the input root once symlinks are followed.
func (s *Service) confineInput(path string) (string, error) {
	if s.inputRoot == "" {
		return "", fmt.Errorf("%w: %s", ErrInputOutsideRoot, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInputNotFound, path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInputNotFound, path)
	}
	root, err := filepath.EvalSymlinks(s.inputRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInputOutsideRoot, path)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInputOutsideRoot, path)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrInputNotFound, path)
	}
	return abs, nil
}

// CreateMontageJob persists a montage job in IN_QUEUE.
func (s *Service) CreateMontageJob(ctx context.Context, in MontageInput) (*Job, error) {
	job := NewMontage(in.MontageParams)
	job.PushToS3 = in.PushToS3
	return s.create(ctx, job)
}

func (s *Service) create(ctx context.Context, job *Job) (*Job, error) {
	s.logger.Info("creating new job",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("term", job.Term()),
		slog.Bool("push_to_s3", job.PushToS3),
	)
	if err := s.repo.Save(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return job.Clone(), nil
}

// GetJob retrieves a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns every job, oldest first.
func (s *Service) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// Start runs the job in the background. The run is detached from ctx's
// cancellation and stops only through Cancel or Shutdown.
func (s *Service) Start(ctx context.Context, id string) error {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if job.GetStatus() != StatusInQueue {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.GetStatus())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.Run(runCtx, id); err != nil {
			s.logger.Error("background processing failed",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Run executes a queued job to completion and returns the pipeline error,
// if any. The job's final status is persisted before Run returns.
func (s *Service) Run(ctx context.Context, id string) error {
	job, err := s.repo.Update(ctx, id, func(j *Job) error { return j.Start() })
	if err != nil {
		return err
	}
	logger := s.logger.With(slog.String("job_id", id), slog.String("kind", string(job.Kind)))
	logger.Info("job started", slog.String("term", job.Term()))

	// bookkeeping must land even after the run is cancelled
	bg := context.WithoutCancel(ctx)

	workspace, err := s.store.Workspace(id)
	if err != nil {
		s.finish(bg, id, err)
		return err
	}
	output := filepath.Join(workspace, outputName)

	total := stageCount(job.Kind)
	entered := 0
	onStage := func(stage compose.Stage) {
		entered++
		progress := entered * 100 / total
		if _, err := s.repo.Update(bg, id, func(j *Job) error {
			j.EnterStage(string(stage), progress)
			return nil
		}); err != nil {
			logger.Warn("failed to record stage", slog.String("stage", string(stage)), slog.String("error", err.Error()))
		}
	}

	runErr := s.compose(ctx, job, output, onStage)

	var url string
	if runErr == nil && job.PushToS3 {
		url, runErr = s.store.Publish(ctx, id+".mp4", output)
		if runErr != nil {
			runErr = fmt.Errorf("publish output: %w", runErr)
		}
	}
	if runErr == nil {
		_, err := s.repo.Update(bg, id, func(j *Job) error {
			if j.IsTerminal() {
				return nil
			}
			j.SetOutput(output, url)
			return j.Complete()
		})
		if err != nil {
			logger.Error("failed to record completion", slog.String("error", err.Error()))
			return err
		}
		logger.Info("job completed", slog.String("output", output), slog.String("video_url", url))
		return nil
	}

	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		logger.Info("job cancelled", slog.String("error", runErr.Error()))
	} else {
		logger.Error("job failed", slog.String("error", runErr.Error()))
	}
	s.finish(bg, id, runErr)
	return runErr
}

// finish records a failed or cancelled run. Jobs already terminal, such as
// ones cancelled while running, are left as they are.
func (s *Service) finish(ctx context.Context, id string, runErr error) {
	_, err := s.repo.Update(ctx, id, func(j *Job) error {
		if j.IsTerminal() {
			return nil
		}
		if errors.Is(runErr, context.Canceled) {
			return j.Cancel()
		}
		return j.Fail(runErr.Error())
	})
	if err != nil {
		s.logger.Error("failed to record job failure",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) compose(ctx context.Context, job *Job, output string, onStage func(compose.Stage)) error {
	switch job.Kind {
	case KindChromaKey:
		if s.chroma == nil || job.Chroma == nil {
			return fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
		}
		p := job.Chroma
		return s.chroma.Composite(ctx, compose.ChromaRequest{
			ForegroundPath: p.InputPath,
			Term:           p.Term,
			OutputPath:     output,
			ChromaColor:    p.ChromaColor,
			Threshold:      p.Threshold,
			Transition:     p.Transition,
			Effect:         p.Effect,
			OnStage:        onStage,
		})
	case KindMontage:
		if s.montage == nil || job.Montage == nil {
			return fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
		}
		p := job.Montage
		return s.montage.Composite(ctx, compose.MontageRequest{
			Term:            p.Term,
			NVideos:         p.NVideos,
			OutputPath:      output,
			Size:            media.Size{W: p.Width, H: p.Height},
			MinDuration:     p.MinDuration,
			MaxDuration:     p.MaxDuration,
			Transition:      p.Transition,
			FPS:             p.FPS,
			ColorCorrection: p.ColorCorrection,
			OnStage:         onStage,
		})
	}
	return fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
}

// Cancel marks a queued or running job CANCELLED and stops its run at the
// next stage boundary.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Update(ctx, id, func(j *Job) error {
		if j.IsTerminal() {
			return ErrJobTerminal
		}
		return j.Cancel()
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cancel := s.running[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("job cancelled", slog.String("job_id", id))
	return job, nil
}

// Remove deletes a finished job and its workspace.
func (s *Service) Remove(ctx context.Context, id string) error {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return ErrJobActive
	}
	if err := s.store.RemoveWorkspace(ctx, id); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return s.repo.Delete(ctx, id)
}

// OpenOutput opens the rendered video of a completed job.
func (s *Service) OpenOutput(ctx context.Context, id string) (io.ReadCloser, *Job, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.GetStatus() != StatusCompleted || job.OutputPath == "" {
		return nil, job, ErrOutputNotReady
	}
	f, err := s.store.Open(ctx, job.OutputPath)
	if err != nil {
		return nil, job, fmt.Errorf("open output: %w", err)
	}
	return f, job, nil
}

// Shutdown cancels every background run and waits for them to record their
// final status, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background run has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func stageCount(k Kind) int {
	if k == KindMontage {
		return 5
	}
	return 9
}
