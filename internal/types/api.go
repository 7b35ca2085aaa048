package types

import (
	"fmt"
	"strings"
	"time"
)

// Request validation limits.
const (
	MaxPlatformLength  = 32
	MaxTargetLength    = 2048
	MaxTargetCount     = 10000
	MaxIterations      = 500
	MaxDuplicateStreak = 1000
	MaxTimeoutSeconds  = 3600
)

// JobOptions overrides the platform defaults for one job.
// Zero values mean "use the platform default".
type JobOptions struct {
	TargetCount        int `json:"targetCount,omitempty"`
	DuplicateThreshold int `json:"duplicateThreshold,omitempty"`
	MaxIterations      int `json:"maxIterations,omitempty"`
	TimeoutSeconds     int `json:"timeoutSeconds,omitempty"`
}

// Validate checks that every override is within bounds.
func (o JobOptions) Validate() error {
	if o.TargetCount < 0 || o.TargetCount > MaxTargetCount {
		return fmt.Errorf("targetCount must be between 0 and %d", MaxTargetCount)
	}
	if o.DuplicateThreshold < 0 || o.DuplicateThreshold > MaxDuplicateStreak {
		return fmt.Errorf("duplicateThreshold must be between 0 and %d", MaxDuplicateStreak)
	}
	if o.MaxIterations < 0 || o.MaxIterations > MaxIterations {
		return fmt.Errorf("maxIterations must be between 0 and %d", MaxIterations)
	}
	if o.TimeoutSeconds < 0 || o.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeoutSeconds must be between 0 and %d", MaxTimeoutSeconds)
	}
	return nil
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Platform string     `json:"platform"`
	Target   string     `json:"target"`
	Options  JobOptions `json:"options"`
}

// Validate validates the request and returns an error if invalid.
func (r *SubmitRequest) Validate() error {
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
	r.Target = strings.TrimSpace(r.Target)

	if r.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if len(r.Platform) > MaxPlatformLength {
		return fmt.Errorf("platform exceeds maximum length of %d", MaxPlatformLength)
	}
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(r.Target) > MaxTargetLength {
		return fmt.Errorf("target exceeds maximum length of %d", MaxTargetLength)
	}
	return r.Options.Validate()
}

// SubmitResponse is returned when a job is admitted.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// CancelResponse is returned by POST /v1/jobs/{jobID}/cancel.
type CancelResponse struct {
	JobID     string `json:"jobId"`
	Cancelled bool   `json:"cancelled"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	RunningJobs int    `json:"runningJobs"`
	Uptime      string `json:"uptime"`
}

// NewHealthResponse builds a health body from the process start time.
func NewHealthResponse(version string, running int, started time.Time) HealthResponse {
	return HealthResponse{
		Status:      "ok",
		Version:     version,
		RunningJobs: running,
		Uptime:      time.Since(started).Round(time.Second).String(),
	}
}
