// Package protoerr defines the error kinds shared across the protocol and
// session stack. Components wrap these sentinels with fmt.Errorf("...: %w")
// so callers can classify failures with errors.Is regardless of which layer
// produced them.
package protoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPacket indicates a malformed or unparseable packet.
	ErrInvalidPacket = errors.New("lanlink: invalid packet")
	// ErrInvalidState indicates an operation not valid in the current state.
	ErrInvalidState = errors.New("lanlink: invalid state")
	// ErrProtocolVersionMismatch indicates an unsupported peer protocol version.
	ErrProtocolVersionMismatch = errors.New("lanlink: protocol version mismatch")
	// ErrHandshakeFailed indicates the TLS handshake did not complete.
	ErrHandshakeFailed = errors.New("lanlink: tls handshake failed")
	// ErrCertificateMismatch indicates the presented certificate does not
	// match the pinned certificate stored at pair time.
	ErrCertificateMismatch = errors.New("lanlink: certificate mismatch")
	// ErrPeerIdentityMismatch indicates the certificate CN does not match
	// the expected device ID.
	ErrPeerIdentityMismatch = errors.New("lanlink: peer identity mismatch")
	// ErrUnauthorized indicates a packet from an untrusted peer that only
	// trusted peers may send.
	ErrUnauthorized = errors.New("lanlink: unauthorized")
	// ErrPairingTimeout indicates a pairing request expired unanswered.
	ErrPairingTimeout = errors.New("lanlink: pairing timed out")
	// ErrPairingRejected indicates the peer declined the pairing request.
	ErrPairingRejected = errors.New("lanlink: pairing rejected")
	// ErrBackpressure indicates the outbound queue stayed full past the
	// send deadline.
	ErrBackpressure = errors.New("lanlink: outbound queue full")
	// ErrResourceExhausted indicates the transfer budget or concurrency
	// limit is reached. Returned before any I/O happens.
	ErrResourceExhausted = errors.New("lanlink: resource budget exhausted")
	// ErrTransportUnavailable indicates no usable transport reached the peer.
	ErrTransportUnavailable = errors.New("lanlink: transport unavailable")
	// ErrNotFound indicates an unknown device or record.
	ErrNotFound = errors.New("lanlink: not found")
)

// SizeError reports a frame or line exceeding its cap. It unwraps to
// ErrInvalidPacket so generic packet validation checks still match.
type SizeError struct {
	Actual int
	Max    int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("lanlink: packet size %d exceeds maximum %d", e.Actual, e.Max)
}

func (e *SizeError) Unwrap() error { return ErrInvalidPacket }

// IsSizeExceeded reports whether err carries a SizeError.
func IsSizeExceeded(err error) bool {
	var se *SizeError
	return errors.As(err, &se)
}
