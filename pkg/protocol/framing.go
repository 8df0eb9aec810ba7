package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	FramingJSON  = "json"
	FramingFrame = "frame"
)

var (
	// ErrMalformedRecord means the buffered bytes can never form a record
	ErrMalformedRecord = errors.New("malformed record")
	// ErrUnknownFraming is returned by NewFraming for unsupported names
	ErrUnknownFraming = errors.New("unknown framing")
)

// Framing splits an inbound byte stream into records and encodes outbound
// envelopes for the same stream.
type Framing interface {
	// Name returns the configuration name of the framing
	Name() string
	// Split extracts every complete record at the start of data. consumed is
	// the number of bytes the caller may drop. Trailing bytes of an
	// incomplete record are left unconsumed. On ErrMalformedRecord the
	// records decoded before the bad input are still returned.
	Split(data []byte) (records [][]byte, consumed int, err error)
	// Encode serializes an envelope into bytes ready for the socket
	Encode(env *Envelope) ([]byte, error)
}

// NewFraming returns the framing registered under name
func NewFraming(name string) (Framing, error) {
	switch name {
	case "", FramingJSON:
		return JSONStream{}, nil
	case FramingFrame:
		return LengthPrefixed{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFraming, name)
	}
}

// JSONStream frames records as concatenated JSON objects, optionally
// separated by whitespace.
type JSONStream struct{}

func (JSONStream) Name() string { return FramingJSON }

func (JSONStream) Split(data []byte) ([][]byte, int, error) {
	var records [][]byte
	consumed := 0

	for {
		rest := data[consumed:]
		start := len(rest) - len(bytes.TrimLeft(rest, " \t\r\n"))
		if start == len(rest) {
			return records, len(data), nil
		}

		dec := json.NewDecoder(bytes.NewReader(rest[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				// wait for the rest of the record
				return records, consumed + start, nil
			}
			return records, consumed, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}

		records = append(records, raw)
		consumed += start + int(dec.InputOffset())
	}
}

func (JSONStream) Encode(env *Envelope) ([]byte, error) {
	return env.Serialize(), nil
}

// LengthPrefixed frames each record in a binary Frame, LZ4-compressing
// large payloads.
type LengthPrefixed struct{}

func (LengthPrefixed) Name() string { return FramingFrame }

func (LengthPrefixed) Split(data []byte) ([][]byte, int, error) {
	var records [][]byte
	consumed := 0

	for {
		rest := data[consumed:]
		if len(rest) < 4 {
			return records, consumed, nil
		}

		length := binary.BigEndian.Uint32(rest[:4])
		if length > MaxFrameSize {
			return records, consumed, fmt.Errorf("%w: %v", ErrMalformedRecord, ErrFrameTooLarge)
		}
		if length < 3 {
			return records, consumed, fmt.Errorf("%w: %v", ErrMalformedRecord, ErrInvalidFrameLength)
		}

		total := 4 + int(length)
		if len(rest) < total {
			return records, consumed, nil
		}

		frame, err := DecodeMessage(rest[:total])
		if err != nil {
			return records, consumed, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		records = append(records, frame.Payload)
		consumed += total
	}
}

func (LengthPrefixed) Encode(env *Envelope) ([]byte, error) {
	return EncodeMessage(uint8(env.Kind()), 0, env.Serialize())
}
