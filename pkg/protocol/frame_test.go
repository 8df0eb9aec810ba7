package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name:  "valid frame - empty payload",
			frame: Frame{Version: FrameVersion, Type: uint8(KindQuit), Payload: []byte{}},
		},
		{
			name:  "valid frame - with payload",
			frame: Frame{Version: FrameVersion, Type: uint8(KindBroadcast), Payload: Broadcast("alice", "hi").Serialize()},
		},
		{
			name:  "max payload size (1MB)",
			frame: Frame{Version: FrameVersion, Type: uint8(KindBroadcast), Payload: make([]byte, MaxFrameSize-3)},
		},
		{
			name:    "oversized payload (should fail)",
			frame:   Frame{Version: FrameVersion, Type: uint8(KindBroadcast), Payload: randomBytes(MaxFrameSize)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeFrame(&buf, &tt.frame)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFrameTooLarge)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, len(tt.frame.Payload), len(decoded.Payload))
			assert.True(t, bytes.Equal(tt.frame.Payload, decoded.Payload))
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeMessage([]byte{0, 0, 0, 2, 1, 1})
	assert.ErrorIs(t, err, ErrInvalidFrameLength)

	_, err = DecodeMessage([]byte{0x00, 0x20, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = DecodeMessage([]byte{0, 0})
	assert.Error(t, err)
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidCompressedLen)

	_, err = DecompressPayload([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = DecompressPayload([]byte{0, 0, 0, 10, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestCompressPayloadSkipsIncompressible(t *testing.T) {
	data := randomBytes(600)
	out, ok := CompressPayload(data)
	assert.False(t, ok)
	assert.Equal(t, data, out)

	out, ok = CompressPayload(nil)
	assert.False(t, ok)
	assert.Empty(t, out)
}

// randomBytes returns deterministic bytes that LZ4 cannot shrink
func randomBytes(n int) []byte {
	out := make([]byte, n)
	var x uint32 = 2463534242
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	return out
}
