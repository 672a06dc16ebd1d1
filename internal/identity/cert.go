package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

const certOrganization = "Asset Ledger Entity"

// IssueEntityCertificate returns a self-signed PEM certificate binding key to
// entityID. The entity id is the subject CN; registration rejects a
// certificate whose CN names another entity.
func IssueEntityCertificate(entityID string, key crypto.Signer, validFor time.Duration) ([]byte, error) {
	if err := checkEntity(entityID); err != nil {
		return nil, err
	}
	if validFor == 0 {
		validFor = 365 * 24 * time.Hour
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   entityID,
			Organization: []string{certOrganization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("sign entity certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// checkCertificate enforces subject and validity for certificate material.
// Bare public keys pass unchecked.
func checkCertificate(entityID string, pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return ErrUnsupportedKey.Wrap(err, "malformed certificate")
	}
	if cn := cert.Subject.CommonName; cn != "" && cn != entityID {
		return ErrUnsupportedKey.New(fmt.Sprintf("certificate subject %q does not match entity %q", cn, entityID))
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return ErrUnsupportedKey.New(fmt.Sprintf("certificate not valid at %s", now.UTC().Format(time.RFC3339)))
	}
	return nil
}

// randomSerial generates a cryptographically random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return n, nil
}
