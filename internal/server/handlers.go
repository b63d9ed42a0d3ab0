package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/stockreel-api/internal/compose"
	"github.com/maauso/stockreel-api/internal/job"
)

// Request defaults applied before a job is created.
const (
	defaultChromaTransition  = 1.0
	defaultChromaEffect      = "fade"
	defaultMontageTransition = compose.DefaultMontageTransition
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *job.Service
	validator          *validator.Validate
	logger             *slog.Logger
	enableAsyncProcess bool
	maxBodyBytes       int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, create handlers only persist the job.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// WithMaxBodyBytes limits the size of request bodies, which carry inline
// foreground videos.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *job.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		validator:          validator.New(),
		logger:             logger,
		enableAsyncProcess: true,
		maxBodyBytes:       512 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateChromaKey handles POST /v1/video/chroma_key requests.
func (h *Handlers) CreateChromaKey(w http.ResponseWriter, r *http.Request) {
	var req ChromaKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	params := job.ChromaParams{
		Term:        strings.TrimSpace(req.Term),
		InputPath:   req.InputPath,
		ChromaColor: req.ChromaColor,
		Transition:  defaultChromaTransition,
		Effect:      req.Effect,
	}
	if req.Threshold != nil {
		params.Threshold = *req.Threshold
	}
	if req.Transition != nil {
		params.Transition = *req.Transition
	}
	if params.Effect == "" {
		params.Effect = defaultChromaEffect
	}

	in := job.ChromaInput{ChromaParams: params, PushToS3: req.PushToS3}
	if req.InputBase64 != "" {
		in.InputPath = ""
		in.Foreground = base64.NewDecoder(base64.StdEncoding, strings.NewReader(req.InputBase64))
	}

	created, err := h.service.CreateChromaJob(r.Context(), in)
	if err != nil {
		if errors.Is(err, job.ErrInputNotFound) || errors.Is(err, job.ErrInputRequired) ||
			errors.Is(err, job.ErrInputOutsideRoot) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
			return
		}
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}
	h.accept(w, r, created)
}

// CreateMontage handles POST /v1/video/montage requests.
func (h *Handlers) CreateMontage(w http.ResponseWriter, r *http.Request) {
	var req MontageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MinDuration > 0 && req.MaxDuration > 0 && req.MaxDuration < req.MinDuration {
		writeError(w, http.StatusBadRequest, "max_duration must not be below min_duration", "VALIDATION_ERROR")
		return
	}

	params := job.MontageParams{
		Term:            strings.TrimSpace(req.Term),
		NVideos:         req.NVideos,
		Width:           req.TargetWidth,
		Height:          req.TargetHeight,
		MinDuration:     req.MinDuration,
		MaxDuration:     req.MaxDuration,
		Transition:      defaultMontageTransition,
		FPS:             req.TargetFPS,
		ColorCorrection: true,
	}
	if req.Transition != nil {
		params.Transition = *req.Transition
	}
	if req.ApplyColorCorrection != nil {
		params.ColorCorrection = *req.ApplyColorCorrection
	}

	created, err := h.service.CreateMontageJob(r.Context(), job.MontageInput{MontageParams: params, PushToS3: req.PushToS3})
	if err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}
	h.accept(w, r, created)
}

// decode reads and validates a JSON body, writing the error response itself
// when it reports false.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// accept starts the job in the background and answers 202.
func (h *Handlers) accept(w http.ResponseWriter, r *http.Request, created *job.Job) {
	if h.enableAsyncProcess {
		// the job must outlive the request
		if err := h.service.Start(context.WithoutCancel(r.Context()), created.ID); err != nil {
			h.logger.Error("failed to start job",
				slog.String("job_id", created.ID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to start job", "JOB_START_FAILED")
			return
		}
	}

	h.logger.Info("job created",
		slog.String("job_id", created.ID),
		slog.String("kind", string(created.Kind)),
		slog.String("term", created.Term()),
	)
	w.Header().Set("Location", "/jobs/"+created.ID)
	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     created.ID,
		Kind:   string(created.Kind),
		Status: string(created.Status),
	})
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_FETCH_FAILED")
		return
	}
	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r)
	if !ok {
		return
	}
	found, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.jobError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(found))
}

// GetVideo handles GET /jobs/{id}/video requests by streaming the output.
func (h *Handlers) GetVideo(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r)
	if !ok {
		return
	}
	rc, found, err := h.service.OpenOutput(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrOutputNotReady) {
			writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", found.Status), "OUTPUT_NOT_READY")
			return
		}
		h.jobError(w, jobID, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".mp4"))
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, jobID+".mp4", found.UpdatedAt, rs)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("video stream interrupted",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteJob handles DELETE /jobs/{id}. Active jobs are cancelled; finished
// ones are removed together with their files.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r)
	if !ok {
		return
	}
	cancelled, err := h.service.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, toJobResponse(cancelled))
	case errors.Is(err, job.ErrJobTerminal):
		if err := h.service.Remove(r.Context(), jobID); err != nil {
			h.jobError(w, jobID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		h.jobError(w, jobID, err)
	}
}

func (h *Handlers) jobError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, job.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	h.logger.Error("job request failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "job request failed", "JOB_FETCH_FAILED")
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return "", false
	}
	return jobID, true
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		Kind:      string(j.Kind),
		Term:      j.Term(),
		Status:    string(j.Status),
		Stage:     j.Stage,
		Progress:  j.Progress,
		Error:     j.Error,
		VideoURL:  j.VideoURL,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Status == job.StatusCompleted && j.OutputPath != "" {
		resp.DownloadURL = "/jobs/" + j.ID + "/video"
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
