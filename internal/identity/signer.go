package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs request payloads on behalf of one entity key version.
type Signer struct {
	entityID string
	version  uint64
	alg      Algorithm
	method   jwt.SigningMethod
	key      any
}

// NewSigner returns a Signer for key, which must be a P-256
// *ecdsa.PrivateKey, an ed25519.PrivateKey or an HMAC secret ([]byte).
func NewSigner(entityID string, version uint64, key any) (*Signer, error) {
	if err := checkEntity(entityID); err != nil {
		return nil, err
	}
	s := &Signer{entityID: entityID, version: version, key: key}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, ErrUnsupportedKey.New("ECDSA keys must use P-256")
		}
		s.alg = ES256
	case ed25519.PrivateKey:
		s.alg = EdDSA
	case []byte:
		if len(k) < MinSecretLen {
			return nil, ErrUnsupportedKey.New(fmt.Sprintf("secret shorter than %d bytes", MinSecretLen))
		}
		s.alg = HS256
	default:
		return nil, ErrUnsupportedKey.New(fmt.Sprintf("private key type %T", key))
	}
	m, err := s.alg.method()
	if err != nil {
		return nil, err
	}
	s.method = m
	return s, nil
}

func (s *Signer) EntityID() string     { return s.entityID }
func (s *Signer) KeyVersion() uint64   { return s.version }
func (s *Signer) Algorithm() Algorithm { return s.alg }

// Sign returns the signature over payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	sig, err := s.method.Sign(string(payload), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return sig, nil
}

// Key returns the verification Key matching this signer, ready to register.
func (s *Signer) Key() (*Key, error) {
	if s.alg == HS256 {
		return NewSecretKey(s.entityID, s.version, s.key.([]byte))
	}
	pub := s.key.(crypto.Signer).Public()
	pemBytes, err := MarshalPublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	return NewCertificateKey(s.entityID, s.version, pemBytes)
}
