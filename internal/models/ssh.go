package models

// CommandResult holds the result of a remote power command.
type CommandResult struct {
	SessionEstablished bool
	CommandRun         bool
	Command            string
	Stdout             string
	Stderr             string
	Error              error
}

// RemoteCommand describes one power directive to run on a target.
type RemoteCommand struct {
	Host       string
	Port       int
	OS         string // "linux" (default) or "windows"
	Credential Credential
	Command    PowerCommand
}
