package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	p, err := New(TypePing, map[string]string{"message": "hello"})
	require.NoError(t, err)
	p.ID = 1234

	data, err := Marshal(p)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.ID, got.ID)
	assert.JSONEq(t, string(p.Body), string(got.Body))
}

func TestParseDefaultsEmptyBody(t *testing.T) {
	got, err := Parse([]byte(`{"type":"kdeconnect.ping","id":7}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.Body))
}

func TestParseRejectsMissingType(t *testing.T) {
	_, err := Parse([]byte(`{"id":7,"body":{}}`))
	assert.ErrorIs(t, err, protoerr.ErrInvalidPacket)
}

func TestParseRejectsUnpairedPayloadFields(t *testing.T) {
	_, err := Parse([]byte(`{"type":"kdeconnect.share.request","id":1,"body":{},"payloadSize":42}`))
	assert.ErrorIs(t, err, protoerr.ErrInvalidPacket)

	_, err = Parse([]byte(`{"type":"kdeconnect.share.request","id":1,"body":{},"payloadTransferInfo":{"port":1739}}`))
	assert.ErrorIs(t, err, protoerr.ErrInvalidPacket)
}

func TestParsePayloadFieldsPaired(t *testing.T) {
	got, err := Parse([]byte(`{"type":"kdeconnect.share.request","id":1,"body":{},"payloadSize":42,"payloadTransferInfo":{"port":1739}}`))
	require.NoError(t, err)
	assert.True(t, got.HasPayload())
	assert.Equal(t, uint16(1739), got.PayloadTransferInfo.Port)
	assert.Equal(t, int64(42), got.PayloadSize)
}

func TestReaderFrameCap(t *testing.T) {
	big, err := json.Marshal(map[string]any{
		"type": "kdeconnect.ping",
		"id":   1,
		"body": map[string]string{"message": strings.Repeat("x", MaxPacketSize)},
	})
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(append(big, '\n')))
	_, err = r.Next()
	assert.True(t, protoerr.IsSizeExceeded(err))
	assert.ErrorIs(t, err, protoerr.ErrInvalidPacket)
}

func TestReaderRecoversAfterOversizeLine(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", MaxPacketSize+1))
	buf.WriteString("\n")
	buf.WriteString(`{"type":"kdeconnect.ping","id":9,"body":{}}` + "\n")

	r := NewReader(&buf)
	_, err := r.Next()
	assert.True(t, protoerr.IsSizeExceeded(err))

	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypePing, got.Type)
	assert.Equal(t, int64(9), got.ID)
}

func TestReaderExactCapAccepted(t *testing.T) {
	// Pad the message so the full line is exactly MaxPacketSize bytes
	// before the newline.
	overhead := len(`{"type":"kdeconnect.ping","id":1,"body":{"message":""}}`)
	pad := strings.Repeat("y", MaxPacketSize-overhead)
	line := `{"type":"kdeconnect.ping","id":1,"body":{"message":"` + pad + `"}}`
	require.Len(t, line, MaxPacketSize)

	r := NewReader(strings.NewReader(line + "\n"))
	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypePing, got.Type)
}

func TestIDGeneratorMonotonic(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	g := &IDGenerator{now: func() time.Time { return now }}

	first := g.Next()
	assert.Equal(t, int64(1_000_000), first)

	// Wall clock regresses; IDs must keep increasing.
	now = time.UnixMilli(999_000)
	second := g.Next()
	assert.Equal(t, first+1, second)

	now = time.UnixMilli(1_000_500)
	third := g.Next()
	assert.Equal(t, int64(1_000_500), third)
	assert.Greater(t, third, second)
}

func TestIdentityPacket(t *testing.T) {
	id := Identity{
		DeviceID:             "device-a",
		DeviceName:           "Workstation",
		DeviceType:           "desktop",
		ProtocolVersion:      ProtocolVersionDefault,
		IncomingCapabilities: []string{TypePing},
		OutgoingCapabilities: []string{TypePing},
		TCPPort:              1716,
	}
	p, err := NewIdentityPacket(id)
	require.NoError(t, err)

	got, err := ParseIdentity(p)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseIdentityRejectsOldProtocol(t *testing.T) {
	p, err := NewIdentityPacket(Identity{DeviceID: "device-a", ProtocolVersion: 6})
	require.NoError(t, err)
	_, err = ParseIdentity(p)
	assert.ErrorIs(t, err, protoerr.ErrProtocolVersionMismatch)
}

func TestPairPacketShapes(t *testing.T) {
	data, err := Marshal(NewPairPacket(true))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pair":true`)

	data, err = Marshal(NewPairPacket(false))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pair":false`)
}
