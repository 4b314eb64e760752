package security

import (
	"context"
	"crypto/tls"
	"net"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

func TestGenerateCertificate(t *testing.T) {
	cert, err := GenerateCertificate("device-a")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, "device-a", cert.Leaf.Subject.CommonName)
	assert.True(t, cert.Leaf.NotAfter.After(time.Now().AddDate(9, 0, 0)),
		"certificate should be valid for roughly ten years")
}

func TestLoadOrCreateCertificateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "device.crt")
	keyPath := filepath.Join(dir, "device.key")

	first, err := LoadOrCreateCertificate("device-a", certPath, keyPath)
	require.NoError(t, err)

	second, err := LoadOrCreateCertificate("device-a", certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0],
		"reloading must return the same certificate, not a new one")
}

func TestFingerprintFormat(t *testing.T) {
	cert, err := GenerateCertificate("device-a")
	require.NoError(t, err)

	fp := Fingerprint(cert.Certificate[0])
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`), fp)
}

func TestIsClientDeterministic(t *testing.T) {
	assert.True(t, IsClient("aaa", "bbb"))
	assert.False(t, IsClient("bbb", "aaa"))
	// Exactly one side initiates.
	assert.NotEqual(t, IsClient("x", "y"), IsClient("y", "x"))
}

// handshakePair runs a mutual handshake over a loopback TCP pair and
// returns both ends' errors.
func handshakePair(t *testing.T, clientCert, serverCert tls.Certificate, clientVerify, serverVerify PeerVerifier) (clientErr, serverErr error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		_, err = Upgrade(ctx, conn, serverCert, serverVerify, false)
		serverDone <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	clientErr = func() error {
		_, err := Upgrade(ctx, conn, clientCert, clientVerify, true)
		return err
	}()
	serverErr = <-serverDone
	return clientErr, serverErr
}

func TestMutualHandshakeWithPin(t *testing.T) {
	certA, err := GenerateCertificate("device-a")
	require.NoError(t, err)
	certB, err := GenerateCertificate("device-b")
	require.NoError(t, err)

	clientErr, serverErr := handshakePair(t, certA, certB,
		PeerVerifier{ExpectedID: "device-b", PinnedDER: certB.Certificate[0]},
		PeerVerifier{ExpectedID: "device-a", PinnedDER: certA.Certificate[0]},
	)
	assert.NoError(t, clientErr)
	assert.NoError(t, serverErr)
}

func TestHandshakeCertificateMismatch(t *testing.T) {
	certA, err := GenerateCertificate("device-a")
	require.NoError(t, err)
	certB, err := GenerateCertificate("device-b")
	require.NoError(t, err)
	imposter, err := GenerateCertificate("device-b")
	require.NoError(t, err)

	clientErr, _ := handshakePair(t, certA, imposter,
		PeerVerifier{ExpectedID: "device-b", PinnedDER: certB.Certificate[0]},
		PeerVerifier{ExpectedID: "device-a"},
	)
	assert.ErrorIs(t, clientErr, protoerr.ErrCertificateMismatch)
}

func TestHandshakePeerIdentityMismatch(t *testing.T) {
	certA, err := GenerateCertificate("device-a")
	require.NoError(t, err)
	certC, err := GenerateCertificate("device-c")
	require.NoError(t, err)

	clientErr, _ := handshakePair(t, certA, certC,
		PeerVerifier{ExpectedID: "device-b"},
		PeerVerifier{ExpectedID: "device-a"},
	)
	assert.ErrorIs(t, clientErr, protoerr.ErrPeerIdentityMismatch)
}

func TestHandshakeUnpinnedCapturesPeer(t *testing.T) {
	certA, err := GenerateCertificate("device-a")
	require.NoError(t, err)
	certB, err := GenerateCertificate("device-b")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDER := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(serverDER)
			return
		}
		defer conn.Close()
		tlsConn, err := Upgrade(ctx, conn, certB, PeerVerifier{ExpectedID: "device-a"}, false)
		if err != nil {
			close(serverDER)
			return
		}
		der, _ := PeerDER(tlsConn)
		serverDER <- der
		tlsConn.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	tlsConn, err := Upgrade(ctx, conn, certA, PeerVerifier{ExpectedID: "device-b"}, true)
	require.NoError(t, err)

	der, err := PeerDER(tlsConn)
	require.NoError(t, err)
	assert.Equal(t, certB.Certificate[0], der)
	assert.Equal(t, certA.Certificate[0], <-serverDER)
}
