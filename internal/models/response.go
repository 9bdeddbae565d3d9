package models

import (
	"github.com/soltixdb/pgbalancer/internal/metadata"
)

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version"`
	Balancer  *ComponentHealth `json:"balancer,omitempty"`
	Watcher   *ComponentHealth `json:"watcher,omitempty"`
}

// ComponentHealth summarizes one control loop. Active means it may change
// the cluster; the watcher in dry-run mode is running but not active.
type ComponentHealth struct {
	Running bool   `json:"running"`
	Active  bool   `json:"active"`
	Mode    string `json:"mode"`
}

// MessageResponse acknowledges a command that returns no data
type MessageResponse struct {
	Message string `json:"message"`
}

// EvalResponse carries the score of a plan or of the current cluster
type EvalResponse struct {
	Plan  string  `json:"plan"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// ShowResponse carries the commands of a plan as text
type ShowResponse struct {
	Plan string `json:"plan"`
	Text string `json:"text"`
}

// HistoryResponse lists archived plan executions, newest first
type HistoryResponse struct {
	Plans []*metadata.PlanRecord `json:"plans"`
	Count int                    `json:"count"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Path    string                 `json:"path,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
