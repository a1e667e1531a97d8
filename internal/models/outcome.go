package models

import (
	"encoding/json"
	"time"
)

// Outcome is the result of one action against one target in one batch.
type Outcome struct {
	BatchID   string        `json:"batch_id"`
	TargetID  string        `json:"target_id"`
	Action    Action        `json:"action"`
	Succeeded bool          `json:"succeeded"`
	Detail    string        `json:"detail"`
	LatencyMs *int64        `json:"latency_ms,omitempty"`
	Duration  time.Duration `json:"-"`
	Err       error         `json:"-"`
}

// MarshalJSON reports Duration in whole milliseconds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"duration_ms"`
	}{plain(o), o.Duration.Milliseconds()})
}

// AuditStatus mirrors Outcome.Succeeded in the event log.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailed  AuditStatus = "failed"
)

// DefaultInitiator is recorded when the caller does not name itself.
const DefaultInitiator = "system"

// AuditEvent is one durable record of an outcome.
type AuditEvent struct {
	ID             int64       `json:"id"`
	BatchID        string      `json:"batch_id"`
	TargetID       string      `json:"target_id"`
	Action         Action      `json:"action"`
	Status         AuditStatus `json:"status"`
	InitiatedBy    string      `json:"initiated_by"`
	Detail         string      `json:"detail,omitempty"`
	ResponseTimeMs *int64      `json:"response_time_ms,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NewAuditEvent builds the audit record for an outcome.
func NewAuditEvent(o Outcome, initiatedBy string, ts time.Time) AuditEvent {
	if initiatedBy == "" {
		initiatedBy = DefaultInitiator
	}
	status := AuditStatusFailed
	if o.Succeeded {
		status = AuditStatusSuccess
	}
	return AuditEvent{
		BatchID:        o.BatchID,
		TargetID:       o.TargetID,
		Action:         o.Action,
		Status:         status,
		InitiatedBy:    initiatedBy,
		Detail:         o.Detail,
		ResponseTimeMs: o.LatencyMs,
		Timestamp:      ts,
	}
}
