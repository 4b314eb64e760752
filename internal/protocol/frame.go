package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// Stream frame layout: "CSMR" magic, 1-byte frame type, 8-byte big-endian
// timestamp (ms), 4-byte big-endian payload size, payload. Used by the
// screen-share/streaming sidechannel.
const (
	// MaxFrameSize bounds a stream frame payload (10 MiB).
	MaxFrameSize = 10 * 1024 * 1024

	frameHeaderSize = 4 + 1 + 8 + 4
)

var frameMagic = [4]byte{'C', 'S', 'M', 'R'}

// Stream frame types.
const (
	FrameVideo    byte = 0x01
	FrameAudio    byte = 0x02
	FrameCursor   byte = 0x03
	FrameMetadata byte = 0x04
)

// StreamFrame is one frame of the streaming sub-protocol.
type StreamFrame struct {
	Type      byte
	Timestamp int64
	Payload   []byte
}

// WriteFrame encodes f onto w.
func WriteFrame(w io.Writer, f StreamFrame) error {
	if len(f.Payload) > MaxFrameSize {
		return &protoerr.SizeError{Actual: len(f.Payload), Max: MaxFrameSize}
	}
	header := make([]byte, frameHeaderSize)
	copy(header, frameMagic[:])
	header[4] = f.Type
	binary.BigEndian.PutUint64(header[5:13], uint64(f.Timestamp))
	binary.BigEndian.PutUint32(header[13:17], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame decodes the next frame from r.
func ReadFrame(r io.Reader) (StreamFrame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return StreamFrame{}, err
	}
	if !bytes.Equal(header[:4], frameMagic[:]) {
		return StreamFrame{}, fmt.Errorf("%w: bad frame magic %q", protoerr.ErrInvalidPacket, header[:4])
	}
	size := binary.BigEndian.Uint32(header[13:17])
	if size > MaxFrameSize {
		return StreamFrame{}, &protoerr.SizeError{Actual: int(size), Max: MaxFrameSize}
	}
	f := StreamFrame{
		Type:      header[4],
		Timestamp: int64(binary.BigEndian.Uint64(header[5:13])),
		Payload:   make([]byte, size),
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return StreamFrame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return f, nil
}
