package models

// WakeAttempt is the outcome of sending one magic packet.
type WakeAttempt struct {
	Destination string
	Sequence    int
	Error       error
}

// Delivered reports whether the packet left the host without error.
func (a WakeAttempt) Delivered() bool {
	return a.Error == nil
}

// WakeResult holds the result of a Wake-on-LAN broadcast.
type WakeResult struct {
	Attempts  int
	Successes int
	Slots     []WakeAttempt
	Error     error
}

// Succeeded is true iff at least one packet was delivered.
func (r *WakeResult) Succeeded() bool {
	return r.Successes > 0
}
