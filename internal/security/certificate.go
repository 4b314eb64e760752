// Package security provides the daemon's TLS identity: long-lived
// self-signed device certificates, SHA-256 fingerprints, and mutual-auth
// TLS configurations with certificate pinning.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

// certLifetime is ten years; device certificates are long-lived and
// rotated only by re-pairing.
const certLifetime = 10 * 365 * 24 * time.Hour

// GenerateCertificate creates a self-signed Ed25519 device certificate
// with CN set to the device ID.
func GenerateCertificate(deviceID string) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"lanlink"},
			OrganizationalUnit: []string{"device"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// LoadOrCreateCertificate loads the device certificate from certPath and
// keyPath, generating and persisting a fresh one if either is missing.
func LoadOrCreateCertificate(deviceID, certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		if cert.Leaf == nil && len(cert.Certificate) > 0 {
			cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("parse stored certificate: %w", err)
			}
		}
		return cert, nil
	}
	if !os.IsNotExist(err) {
		if _, statErr := os.Stat(certPath); statErr == nil {
			return tls.Certificate{}, fmt.Errorf("load certificate: %w", err)
		}
	}

	cert, err = GenerateCertificate(deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := writeCertificate(cert, certPath, keyPath); err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

func writeCertificate(cert tls.Certificate, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// Fingerprint renders the SHA-256 of a DER certificate as colon-separated
// uppercase hex, the form shown to users during pairing confirmation.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	var b strings.Builder
	for i, c := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
