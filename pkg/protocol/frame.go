package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// FrameVersion is the version byte written into every frame
	// v1: plain JSON payloads
	// v2: LZ4 compression support (FlagCompressed)
	FrameVersion = 2

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	// frameHeaderSize is the length prefix plus version, type and flags
	frameHeaderSize = 4 + 3
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: compression
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one length-prefixed record on a framed connection.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
// The payload is a serialized Envelope and Type carries its Kind.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// incompressible
		return data, false
	}

	if 4+n >= len(data) {
		return data, false
	}

	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}

	return decompressed, nil
}

// EncodeFrame writes a frame to w, compressing payloads of at least
// CompressionThreshold bytes when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	// Version (1) + Type (1) + Flags (1) + Payload (N)
	length := uint32(3 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = f.Version
	header[5] = f.Type
	header[6] = flags

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFrame reads one frame from r
func DecodeFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	// Length must be at least 3 (version + type + flags)
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	frame := &Frame{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
		Payload: body[3:],
	}

	if frame.Flags&FlagCompressed != 0 && len(frame.Payload) > 0 {
		decompressed, err := DecompressPayload(frame.Payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = decompressed
		frame.Flags &^= FlagCompressed
	}

	return frame, nil
}

// EncodeMessage encodes a single frame into a byte slice
func EncodeMessage(msgType, flags uint8, payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, &Frame{
		Version: FrameVersion,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a single frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
