package http

import (
	"time"

	"github.com/valros/skinarb/internal/credentials"
	"github.com/valros/skinarb/internal/domain"
	"github.com/valros/skinarb/internal/engine"
	"github.com/valros/skinarb/internal/scheduler"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                     `json:"status"` // ok, degraded
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// ComponentHealth represents one component's health state
type ComponentHealth struct {
	Status  string `json:"status"` // ok, idle, running, unconfigured, down
	Message string `json:"message,omitempty"`
}

// StatusResponse represents the status endpoint response. The engine status
// fields serialize flat alongside the scheduler block.
type StatusResponse struct {
	engine.Status
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AcceptedResponse acknowledges an asynchronous analysis trigger
type AcceptedResponse struct {
	Accepted  bool        `json:"accepted"`
	Kind      engine.Kind `json:"kind"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// CredentialsStatusResponse is the redacted per-platform credential overview
type CredentialsStatusResponse struct {
	Platforms map[domain.Platform]credentials.PlatformStatus `json:"platforms"`
	Timestamp time.Time                                      `json:"timestamp"`
}

// CredentialsUpdateResponse confirms a credential mutation
type CredentialsUpdateResponse struct {
	Platform  domain.Platform            `json:"platform"`
	Status    credentials.PlatformStatus `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
}

// ErrorResponse represents API error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
