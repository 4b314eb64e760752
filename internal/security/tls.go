package security

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// IsClient decides the TLS role deterministically from both device IDs:
// the lexicographically smaller ID initiates the handshake. Both sides
// compute the same answer, so simultaneous connections cannot race roles.
func IsClient(localID, peerID string) bool {
	return localID < peerID
}

// PeerVerifier validates the peer certificate presented during a mutual
// TLS handshake. With a pinned DER the presented certificate must match
// byte for byte; without one (first pairing) the certificate is accepted
// after the identity check and captured by the caller.
type PeerVerifier struct {
	ExpectedID string
	PinnedDER  []byte
}

// Verify implements the tls.Config VerifyPeerCertificate contract.
func (v PeerVerifier) Verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: peer presented no certificate", protoerr.ErrHandshakeFailed)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: unparseable peer certificate: %v", protoerr.ErrHandshakeFailed, err)
	}
	if v.ExpectedID != "" && leaf.Subject.CommonName != v.ExpectedID {
		return fmt.Errorf("%w: certificate CN %q, expected %q",
			protoerr.ErrPeerIdentityMismatch, leaf.Subject.CommonName, v.ExpectedID)
	}
	if v.PinnedDER != nil && !bytes.Equal(rawCerts[0], v.PinnedDER) {
		return fmt.Errorf("%w: presented certificate differs from pinned certificate for %q",
			protoerr.ErrCertificateMismatch, v.ExpectedID)
	}
	return nil
}

// ClientConfig builds the initiator-side TLS configuration.
func ClientConfig(cert tls.Certificate, verifier PeerVerifier) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		// Verification is pin-based, not CA-based.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifier.Verify,
	}
}

// ServerConfig builds the acceptor-side TLS configuration. The client
// certificate is demanded and pin-verified the same way.
func ServerConfig(cert tls.Certificate, verifier PeerVerifier) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifier.Verify,
	}
}

// Upgrade performs the mutual TLS handshake over an established stream,
// acting as client or server per the deterministic role. On success it
// returns the encrypted connection; the peer DER is available from its
// ConnectionState.
func Upgrade(ctx context.Context, conn net.Conn, cert tls.Certificate, verifier PeerVerifier, asClient bool) (*tls.Conn, error) {
	var tlsConn *tls.Conn
	if asClient {
		tlsConn = tls.Client(conn, ClientConfig(cert, verifier))
	} else {
		tlsConn = tls.Server(conn, ServerConfig(cert, verifier))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if errors.Is(err, protoerr.ErrCertificateMismatch) ||
			errors.Is(err, protoerr.ErrPeerIdentityMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", protoerr.ErrHandshakeFailed, err)
	}
	return tlsConn, nil
}

// PeerDER returns the DER of the certificate the peer presented.
func PeerDER(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate after handshake", protoerr.ErrHandshakeFailed)
	}
	return state.PeerCertificates[0].Raw, nil
}
