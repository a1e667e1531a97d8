package models

import "errors"

// Per-target failures. They end up in Outcome.Err and never abort a batch.
var (
	ErrBroadcastFailure     = errors.New("all wake attempts failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnreachable          = errors.New("target unreachable")
	ErrExecutionRejected    = errors.New("execution rejected")
	ErrMissingCredential    = errors.New("missing credential")
	ErrMissingAddress       = errors.New("missing address")
	ErrInvalidMAC           = errors.New("invalid MAC address")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrTimeout              = errors.New("timed out")
)

// Contract violations returned directly to the caller of a dispatch.
var (
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidTarget = errors.New("invalid target id")
)
