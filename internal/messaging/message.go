// Package messaging processes deferred guardian messages: rows scheduled
// ahead of time are picked up once due, sent through the dispatch gateway and
// moved to a terminal status exactly once.
package messaging

import (
	"time"

	"presence/internal/notify"
)

// Status lifecycle of a scheduled message. A message reaches sent or failed
// exactly once; terminal rows are never reprocessed.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// Message is one unit of guardian communication. Targeting is one of: a
// single guardian, every guardian of one class, or a system-wide broadcast.
type Message struct {
	ID          string         `json:"id"`
	GuardianID  *string        `json:"guardian_id,omitempty"`
	ClassID     *string        `json:"class_id,omitempty"`
	Broadcast   bool           `json:"broadcast"`
	Channel     notify.Channel `json:"channel"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	DueAt       time.Time      `json:"due_at"`
	Status      Status         `json:"status"`
	ErrorDetail *string        `json:"error_detail,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
}

// Report is the outcome of one dispatch pass.
type Report struct {
	Processed    int `json:"processed"`
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}
