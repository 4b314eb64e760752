package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

func TestStreamFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := StreamFrame{Type: FrameVideo, Timestamp: 1716000000123, Payload: []byte("frame data")}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStreamFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, StreamFrame{Type: FrameMetadata, Timestamp: 1}))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
}

func TestStreamFrameRejectsBadMagic(t *testing.T) {
	raw := make([]byte, frameHeaderSize)
	copy(raw, "XXXX")
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, protoerr.ErrInvalidPacket)
}

func TestStreamFrameSizeCap(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, StreamFrame{Type: FrameVideo, Payload: make([]byte, MaxFrameSize+1)})
	assert.True(t, protoerr.IsSizeExceeded(err))

	// A header announcing an oversize payload must be rejected before
	// any payload is read.
	header := make([]byte, frameHeaderSize)
	copy(header, frameMagic[:])
	header[13] = 0xFF
	header[14] = 0xFF
	header[15] = 0xFF
	header[16] = 0xFF
	_, err = ReadFrame(bytes.NewReader(header))
	assert.True(t, protoerr.IsSizeExceeded(err))
}
