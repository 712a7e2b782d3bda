package dto

import (
	"time"

	"github.com/soundprediction/go-docgraph/pkg/pipeline"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// StatusResponse answers health and readiness probes.
type StatusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// RunResponse reports the most recent run.
type RunResponse struct {
	Running bool              `json:"running"`
	Summary *pipeline.Summary `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// TriggerResponse acknowledges a requested run.
type TriggerResponse struct {
	Accepted    bool      `json:"accepted"`
	RequestedAt time.Time `json:"requested_at"`
}

// DocumentsResponse lists per-document states of the current or last run.
type DocumentsResponse struct {
	Documents []pipeline.DocumentStatus `json:"documents"`
	Total     int                       `json:"total"`
}
