// Package credentials resolves credential references into secret material.
package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog"
)

// Provider defines the interface for resolving a target's credential.
type Provider interface {
	Resolve(ctx context.Context, target models.Target) (models.Credential, error)
}

// FileReader allows mocking key file access in tests.
type FileReader interface {
	ReadFile(name string) ([]byte, error)
}

type osFileReader struct{}

func (osFileReader) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// Impl resolves passwords from the environment and keys from disk.
type Impl struct {
	files  FileReader
	logger zerolog.Logger
}

// New creates a new credential provider.
func New(logger zerolog.Logger) *Impl {
	return NewWithReader(logger, osFileReader{})
}

// NewWithReader creates a new credential provider with a custom file reader (for testing).
func NewWithReader(logger zerolog.Logger, files FileReader) *Impl {
	return &Impl{files: files, logger: logger}
}

// Resolve returns the credential for target. Targets without a reference,
// without a username or without any secret yield ErrMissingCredential.
func (p *Impl) Resolve(_ context.Context, target models.Target) (models.Credential, error) {
	ref := target.Credential
	if ref == nil || ref.Username == "" {
		return models.Credential{}, fmt.Errorf("%w for %s", models.ErrMissingCredential, target.ID)
	}

	cred := models.Credential{
		Username: ref.Username,
		Password: os.ExpandEnv(ref.Password),
	}

	if ref.KeyPath != "" {
		key, err := p.files.ReadFile(os.ExpandEnv(ref.KeyPath))
		if err != nil {
			return models.Credential{}, fmt.Errorf("%w for %s: reading key: %w", models.ErrMissingCredential, target.ID, err)
		}
		cred.PrivateKey = key
	}

	if cred.Password == "" && len(cred.PrivateKey) == 0 {
		return models.Credential{}, fmt.Errorf("%w for %s: no password or key", models.ErrMissingCredential, target.ID)
	}

	p.logger.Debug().
		Str("target", target.ID).
		Stringer("credential", cred).
		Msg("credential resolved")

	return cred, nil
}
