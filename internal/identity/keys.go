package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm names the signing method of a key.
type Algorithm string

const (
	ES256 Algorithm = "ES256"
	EdDSA Algorithm = "EdDSA"
	HS256 Algorithm = "HS256"
)

// MinSecretLen is the shortest HMAC secret accepted.
const MinSecretLen = 16

func (a Algorithm) method() (jwt.SigningMethod, error) {
	switch a {
	case ES256:
		return jwt.SigningMethodES256, nil
	case EdDSA:
		return jwt.SigningMethodEdDSA, nil
	case HS256:
		return jwt.SigningMethodHS256, nil
	}
	return nil, ErrUnsupportedKey.New(fmt.Sprintf("algorithm %q", string(a)))
}

// Symmetric reports whether the algorithm uses a shared secret.
func (a Algorithm) Symmetric() bool { return a == HS256 }

// Key is the verification material an entity registered under one version.
// Material holds a PEM public key or certificate for asymmetric keys and the
// raw secret for HS256.
type Key struct {
	EntityID  string    `json:"entity_id"`
	Version   uint64    `json:"version"`
	Algorithm Algorithm `json:"algorithm"`
	Material  []byte    `json:"material"`

	verifier any
}

// NewCertificateKey builds a Key from a PEM encoded PKIX public key or X.509
// certificate. The algorithm follows from the key type.
func NewCertificateKey(entityID string, version uint64, pemBytes []byte) (*Key, error) {
	if err := checkEntity(entityID); err != nil {
		return nil, err
	}
	alg, pub, err := ParsePublicKey(pemBytes)
	if err != nil {
		return nil, err
	}
	if err := checkCertificate(entityID, pemBytes); err != nil {
		return nil, err
	}
	return &Key{EntityID: entityID, Version: version, Algorithm: alg, Material: pemBytes, verifier: pub}, nil
}

// NewSecretKey builds an HS256 Key from a shared secret.
func NewSecretKey(entityID string, version uint64, secret []byte) (*Key, error) {
	if err := checkEntity(entityID); err != nil {
		return nil, err
	}
	if len(secret) < MinSecretLen {
		return nil, ErrUnsupportedKey.New(fmt.Sprintf("secret shorter than %d bytes", MinSecretLen))
	}
	s := append([]byte(nil), secret...)
	return &Key{EntityID: entityID, Version: version, Algorithm: HS256, Material: s, verifier: s}, nil
}

func checkEntity(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return ErrUnsupportedKey.New(fmt.Sprintf("invalid entity id %q", id))
	}
	return nil
}

// load restores the verification key after a Key was decoded from storage.
func (k *Key) load() error {
	if k.Algorithm == HS256 {
		k.verifier = k.Material
		return nil
	}
	alg, pub, err := ParsePublicKey(k.Material)
	if err != nil {
		return err
	}
	if alg != k.Algorithm {
		return ErrUnsupportedKey.New(fmt.Sprintf("stored algorithm %s does not match key type %s", k.Algorithm, alg))
	}
	k.verifier = pub
	return nil
}

// Verify checks sig over payload. Every failure is reported as
// ErrInvalidSignature.
func (k *Key) Verify(payload, sig []byte) error {
	m, err := k.Algorithm.method()
	if err != nil || k.verifier == nil {
		return ErrInvalidSignature.New()
	}
	if err := m.Verify(string(payload), sig, k.verifier); err != nil {
		return ErrInvalidSignature.Wrap(err)
	}
	return nil
}

// ParsePublicKey decodes a PEM block holding a PKIX public key or an X.509
// certificate and returns the key with its algorithm. Only P-256 ECDSA and
// ed25519 keys are accepted.
func ParsePublicKey(pemBytes []byte) (Algorithm, crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", nil, ErrUnsupportedKey.New("no PEM block found")
	}
	var pub any
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return "", nil, ErrUnsupportedKey.Wrap(err, "malformed public key")
		}
		pub = k
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return "", nil, ErrUnsupportedKey.Wrap(err, "malformed certificate")
		}
		pub = cert.PublicKey
	default:
		return "", nil, ErrUnsupportedKey.New(fmt.Sprintf("PEM block %q", block.Type))
	}

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return "", nil, ErrUnsupportedKey.New("ECDSA keys must use P-256")
		}
		return ES256, k, nil
	case ed25519.PublicKey:
		return EdDSA, k, nil
	}
	return "", nil, ErrUnsupportedKey.New(fmt.Sprintf("key type %T", pub))
}

// GenerateECDSAKey creates a P-256 key for ES256 signing.
func GenerateECDSAKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDSA key: %w", err)
	}
	return key, nil
}

// GenerateEd25519Key creates a key for EdDSA signing.
func GenerateEd25519Key() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return priv, nil
}

// MarshalPrivateKeyPEM encodes key as a PKCS8 "PRIVATE KEY" block.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// LoadPrivateKeyPEM parses a PKCS8 or SEC1 EC private key.
func LoadPrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", k)
		}
		return signer, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
		return k, nil
	}
	return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
}

// ReadPrivateKeyFile loads a PEM private key from path.
func ReadPrivateKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return LoadPrivateKeyPEM(data)
}

// WritePrivateKeyFile stores key at path with 0600 permissions.
func WritePrivateKeyFile(path string, key crypto.Signer) error {
	data, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
