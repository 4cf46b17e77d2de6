// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet is one protocol frame.
//
// Endpoint identifies the sending node, not the application addresses
// carried in the payload. Timestamp is local bookkeeping (send time for
// outbound frames, arrival time for inbound ones) and is not transmitted.
type Packet struct {
	Kind      Kind     // Frame type
	Endpoint  uint32   // Sending endpoint id
	Sequence  uint32   // Sequence number
	Timestamp int64    // Unix milliseconds, not on the wire
	Payload   *Message // Embedded message (nil for empty frames)
}

// NewPacket builds an outbound frame of the given kind.
func NewPacket(kind Kind, endpoint uint32, msg *Message) *Packet {
	return &Packet{
		Kind:     kind,
		Endpoint: endpoint,
		Payload:  msg,
	}
}

// MarshalBinary encodes the packet to wire format.
func (p *Packet) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(nil)
}

// AppendBinary appends the wire encoding of p to dst.
// The full header is written even when there is no payload.
func (p *Packet) AppendBinary(dst []byte) ([]byte, error) {
	var body []byte
	if p.Payload != nil {
		var err error
		body, err = p.Payload.MarshalBinary()
		if err != nil {
			return dst, fmt.Errorf("failed to marshal %s payload: %w", p.Kind, err)
		}
	}

	var hdr [HeaderSize]byte
	hdr[0] = byte(p.Kind)
	binary.BigEndian.PutUint32(hdr[1:5], p.Endpoint)
	binary.BigEndian.PutUint32(hdr[5:9], p.Sequence)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(body)))

	dst = append(dst, hdr[:]...)
	return append(dst, body...), nil
}

// Decode parses one frame. maxPayload bounds the payload length accepted
// from the header; zero selects DefaultMaxPayload. Bytes after the frame
// are ignored.
func Decode(data []byte, maxPayload int) (*Packet, error) {
	n, err := FrameLength(data, maxPayload)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > len(data) {
		return nil, formatError(len(data), "truncated frame, want %d bytes", max(n, HeaderSize))
	}

	p := &Packet{
		Kind:     Kind(data[0]),
		Endpoint: binary.BigEndian.Uint32(data[1:5]),
		Sequence: binary.BigEndian.Uint32(data[5:9]),
	}

	if body := data[HeaderSize:n]; len(body) > 0 {
		msg := &Message{}
		if err := msg.UnmarshalBinary(body); err != nil {
			return nil, &FormatError{Reason: "bad payload", Len: len(data), Err: err}
		}
		p.Payload = msg
	}

	return p, nil
}

// FrameLength inspects a frame header and returns the total frame size.
// It returns 0 with a nil error when fewer than HeaderSize bytes are
// available, which lets stream transports wait for more input.
func FrameLength(data []byte, maxPayload int) (int, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(data) < HeaderSize {
		return 0, nil
	}

	if kind := Kind(data[0]); !kind.Valid() {
		return 0, formatError(len(data), "unknown frame type %d", data[0])
	}

	size := binary.BigEndian.Uint32(data[9:13])
	if uint64(size) > uint64(maxPayload) {
		return 0, formatError(len(data), "payload length %d exceeds limit %d", size, maxPayload)
	}

	return HeaderSize + int(size), nil
}

// IsSequenced reports whether the packet takes part in gap detection.
func (p *Packet) IsSequenced() bool {
	return p.Kind.Sequenced()
}

// String returns a short description used in logs.
func (p *Packet) String() string {
	return fmt.Sprintf("%s[ep=%d seq=%d]", p.Kind, p.Endpoint, p.Sequence)
}
