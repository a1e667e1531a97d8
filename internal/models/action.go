package models

import "fmt"

// Action is a logical power action applied to a batch of targets.
type Action string

// Supported actions.
const (
	ActionWake     Action = "wake"
	ActionShutdown Action = "shutdown"
	ActionRestart  Action = "restart"
	ActionProbe    Action = "probe"
)

// Actions lists every valid action.
var Actions = []Action{ActionWake, ActionShutdown, ActionRestart, ActionProbe}

// ParseAction converts a user supplied string into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if err := a.Validate(); err != nil {
		return "", err
	}
	return a, nil
}

// Validate reports ErrInvalidAction for values outside the enumeration.
func (a Action) Validate() error {
	switch a {
	case ActionWake, ActionShutdown, ActionRestart, ActionProbe:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, string(a))
	}
}

// PowerCommand returns the remote directive for shutdown and restart.
func (a Action) PowerCommand() (PowerCommand, bool) {
	switch a {
	case ActionShutdown:
		return PowerCommandShutdown, true
	case ActionRestart:
		return PowerCommandRestart, true
	default:
		return "", false
	}
}

// PowerCommand is a directive issued over a remote session.
type PowerCommand string

// Supported remote directives.
const (
	PowerCommandShutdown PowerCommand = "shutdown"
	PowerCommandRestart  PowerCommand = "restart"
)
