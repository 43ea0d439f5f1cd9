package models

import (
	"strings"
	"time"
)

// Status enumerates the lifecycle states of a queued ledger operation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusDead       Status = "DEAD"
)

// ParseStatus accepts a status name in any case.
func ParseStatus(v string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(v))) {
	case StatusPending:
		return StatusPending, true
	case StatusProcessing:
		return StatusProcessing, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusDead:
		return StatusDead, true
	}
	return "", false
}

// Kind identifies the external ledger operation a job performs.
type Kind string

const (
	KindRegisterEvent     Kind = "REGISTER_EVENT"
	KindMint              Kind = "MINT"
	KindWhitelistProducer Kind = "WHITELIST_PRODUCER"
	KindUpdateBatch       Kind = "UPDATE_BATCH"
)

// Known reports whether k is one of the supported ledger operations.
func (k Kind) Known() bool {
	switch k {
	case KindRegisterEvent, KindMint, KindWhitelistProducer, KindUpdateBatch:
		return true
	}
	return false
}

// Job is a snapshot of one queued ledger operation.
type Job struct {
	ID              string         `json:"id"`
	Kind            Kind           `json:"kind"`
	Payload         map[string]any `json:"payload"`
	Status          Status         `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	CreatedAt       time.Time      `json:"created_at"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt   time.Time      `json:"next_attempt_at"`
	Error           string         `json:"error,omitempty"`
	ResultReference string         `json:"result_reference,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key"`
}

// Stats counts jobs per status across the active and dead-letter collections.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
	Total      int `json:"total"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
