package client

import (
	"fmt"
	"os"

	"github.com/jmerrifield20/assetledger/internal/identity"
)

// LoadSigner reads a PEM private key from path and returns a Signer for
// entityID's key version.
//
//	s, err := client.LoadSigner("alice", 1, os.ExpandEnv("$HOME/.ledger/alice.pem"))
func LoadSigner(entityID string, version uint64, path string) (*identity.Signer, error) {
	key, err := identity.ReadPrivateKeyFile(path)
	if err != nil {
		return nil, err
	}
	return identity.NewSigner(entityID, version, key)
}

// WithKeyFile is the functional-option form of LoadSigner.
func WithKeyFile(entityID string, version uint64, path string) Option {
	return func(c *Client) error {
		s, err := LoadSigner(entityID, version, path)
		if err != nil {
			return fmt.Errorf("load signing key from %q: %w", path, err)
		}
		c.signer = s
		return nil
	}
}

// WithSecretFile signs with the HMAC secret stored in path.
func WithSecretFile(entityID string, version uint64, path string) Option {
	return func(c *Client) error {
		secret, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		s, err := identity.NewSigner(entityID, version, secret)
		if err != nil {
			return err
		}
		c.signer = s
		return nil
	}
}
