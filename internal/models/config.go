// Package models contains the data structures used throughout powerfleet.
package models

import "time"

// FleetConfig holds the complete configuration for the powerfleet binary.
type FleetConfig struct {
	Targets  []Target
	WOL      WOLSettings
	SSH      SSHSettings
	Probe    ProbeSettings
	Dispatch DispatchSettings
	Audit    AuditSettings
	Telegram *TelegramConfig // nil if not configured
}

// WOLSettings controls the magic packet schedule.
type WOLSettings struct {
	Port                  int
	PacketsPerDestination int
	PacketDelay           time.Duration
}

// SSHSettings bounds remote command execution.
type SSHSettings struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// ProbeSettings bounds liveness probes.
type ProbeSettings struct {
	Timeout time.Duration
}

// DispatchSettings controls fan-out of a batch.
type DispatchSettings struct {
	MaxParallel  int           // 0 means unbounded
	BatchTimeout time.Duration // 0 means no batch-level deadline
}

// AuditSettings configures the event log store.
type AuditSettings struct {
	Path          string
	RetentionDays int
	MaxRows       int
}
