// Package server provides the HTTP front end of the stock-footage render
// service: handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// ChromaKeyRequest is the HTTP request body for a chroma-key job. The
// foreground is either a path readable by the server or inline base64.
type ChromaKeyRequest struct {
	// Term is the stock-footage search term for the background.
	Term string `json:"term" validate:"required,max=100"`
	// InputPath is a foreground video already on the server.
	InputPath string `json:"input_path" validate:"required_without=InputBase64"`
	// InputBase64 is the base64-encoded foreground video.
	InputBase64 string `json:"input_base64" validate:"omitempty,base64"`
	// ChromaColor is the key color as #RRGGBB. Defaults to #00FF00.
	ChromaColor string `json:"chroma_color" validate:"omitempty,len=7,hexcolor"`
	// Threshold is the per-channel tolerance. Defaults to 40.
	Threshold *int `json:"threshold" validate:"omitempty,min=10,max=100"`
	// Transition is the crossfade length in seconds. Defaults to 1.0.
	Transition *float64 `json:"transition" validate:"omitempty,min=0,max=10"`
	// Effect is fade, contrast or none. Defaults to fade.
	Effect string `json:"effect" validate:"omitempty,oneof=fade contrast none"`
	// PushToS3 publishes the output once rendered.
	PushToS3 bool `json:"push_to_s3"`
}

// MontageRequest is the HTTP request body for a montage job.
type MontageRequest struct {
	Term        string `json:"term" validate:"required,max=100"`
	NVideos     int    `json:"n_videos" validate:"required,min=1,max=20"`
	MinDuration int    `json:"min_duration" validate:"omitempty,min=3"`
	MaxDuration int    `json:"max_duration" validate:"omitempty,min=5"`
	// Transition defaults to 1.5 seconds.
	Transition   *float64 `json:"transition" validate:"omitempty,min=0,max=10"`
	TargetFPS    int      `json:"target_fps" validate:"omitempty,oneof=24 25 30"`
	TargetWidth  int      `json:"target_width" validate:"omitempty,oneof=1280 1920 2560 3840"`
	TargetHeight int      `json:"target_height" validate:"omitempty,oneof=720 1080 1440 2160"`
	// ApplyColorCorrection defaults to true.
	ApplyColorCorrection *bool `json:"apply_color_correction"`
	PushToS3             bool  `json:"push_to_s3"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Term     string `json:"term"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	// VideoURL is the published URL (push_to_s3=true and completed).
	VideoURL string `json:"video_url,omitempty"`
	// DownloadURL streams the output from this server once completed.
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobListResponse is the HTTP response for listing jobs.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
