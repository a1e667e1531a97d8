package models

import "fmt"

// Operating systems understood by the remote command executor.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

// Target describes one machine of the fleet.
type Target struct {
	ID               string
	DisplayName      string
	MACAddress       string
	Address          string // primary IPv4 address
	BroadcastAddress string // optional subnet broadcast address
	SSHPort          int
	OS               string         // "linux" (default) or "windows"
	Credential       *CredentialRef // nil if remote commands are not possible
	LastKnownActive  bool
}

// CredentialRef points at the secret material for a target. Password may
// contain ${VAR} references that are expanded at resolve time.
type CredentialRef struct {
	Username string
	Password string
	KeyPath  string
}

// Credential is resolved secret material for one remote session.
type Credential struct {
	Username   string
	Password   string
	PrivateKey []byte
}

// String redacts the secret parts so credentials can be logged safely.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %q, Password: %t, PrivateKey: %t}",
		c.Username, c.Password != "", len(c.PrivateKey) > 0)
}
