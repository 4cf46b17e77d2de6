// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Address locates a Channel: IP : port : endpoint id : channel id.
type Address struct {
	IP       net.IP `cbor:"1,keyasint,omitempty"` // Bus host address
	Port     uint16 `cbor:"2,keyasint,omitempty"` // Bus UDP port
	Endpoint uint32 `cbor:"3,keyasint,omitempty"` // Bus endpoint id
	Channel  uint32 `cbor:"4,keyasint,omitempty"` // Channel id within the bus
}

// Message is the payload carried inside a frame.
type Message struct {
	Source *Address          `cbor:"1,keyasint,omitempty"` // Originating channel
	Target *Address          `cbor:"2,keyasint,omitempty"` // Point-to-point destination (nil = broadcast)
	Group  string            `cbor:"3,keyasint,omitempty"` // Destination group
	Fields map[string]string `cbor:"4,keyasint,omitempty"` // Named values
	Body   []byte            `cbor:"5,keyasint,omitempty"` // Opaque application data
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Errorf("wire: invalid cbor encoding options: %w", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs:     4096,
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("wire: invalid cbor decoding options: %w", err))
	}
}

// NewMessage creates a message addressed to a group.
func NewMessage(group string, body []byte) *Message {
	return &Message{Group: group, Body: body}
}

// NewAdminMessage creates an admin message for the given action.
func NewAdminMessage(action Action) *Message {
	return &Message{Fields: map[string]string{FieldAction: string(action)}}
}

// MarshalBinary encodes the message with deterministic CBOR.
func (m *Message) MarshalBinary() ([]byte, error) {
	// plain drops the BinaryMarshaler method set so cbor encodes the fields.
	type plain Message
	return encMode.Marshal((*plain)(m))
}

// UnmarshalBinary decodes a message produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	type plain Message
	*m = Message{}
	if err := decMode.Unmarshal(data, (*plain)(m)); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{
		Source: m.Source.Clone(),
		Target: m.Target.Clone(),
		Group:  m.Group,
	}
	if m.Fields != nil {
		c.Fields = make(map[string]string, len(m.Fields))
		for k, v := range m.Fields {
			c.Fields[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

// Get returns a named field value.
func (m *Message) Get(name string) (string, bool) {
	if m == nil || m.Fields == nil {
		return "", false
	}
	v, ok := m.Fields[name]
	return v, ok
}

// Set stores a named field value.
func (m *Message) Set(name, value string) {
	if m.Fields == nil {
		m.Fields = make(map[string]string)
	}
	m.Fields[name] = value
}

// GetUint32 parses a numeric field.
func (m *Message) GetUint32(name string) (uint32, bool) {
	v, ok := m.Get(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// SetUint32 stores a numeric field.
func (m *Message) SetUint32(name string, v uint32) {
	m.Set(name, strconv.FormatUint(uint64(v), 10))
}

// Action returns the admin action, or "" for application messages.
func (m *Message) Action() Action {
	v, _ := m.Get(FieldAction)
	return Action(v)
}

// IsAdmin reports whether the message carries an admin action.
func (m *Message) IsAdmin() bool {
	return m.Action() != ""
}

// Equal reports whether two messages carry the same content.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Group != o.Group || !bytes.Equal(m.Body, o.Body) {
		return false
	}
	if !m.Source.Equal(o.Source) || !m.Target.Equal(o.Target) {
		return false
	}
	if len(m.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range m.Fields {
		if ov, ok := o.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	if a := m.Action(); a != "" {
		return fmt.Sprintf("admin(%s)", a)
	}
	return fmt.Sprintf("msg(group=%q, %d bytes)", m.Group, len(m.Body))
}

// NewAddress builds an address, normalizing IPv4 addresses to 4 bytes.
func NewAddress(ip net.IP, port uint16, endpoint, channel uint32) *Address {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return &Address{IP: ip, Port: port, Endpoint: endpoint, Channel: channel}
}

// Clone returns a copy of the address.
func (a *Address) Clone() *Address {
	if a == nil {
		return nil
	}
	c := *a
	if a.IP != nil {
		c.IP = append(net.IP(nil), a.IP...)
	}
	return &c
}

// Equal compares two addresses field by field.
func (a *Address) Equal(o *Address) bool {
	if a == nil || o == nil {
		return a == o
	}
	return a.IP.Equal(o.IP) && a.Port == o.Port && a.Endpoint == o.Endpoint && a.Channel == o.Channel
}

// UDPAddr returns the bus socket address, or nil when no IP is known.
func (a *Address) UDPAddr() *net.UDPAddr {
	if a == nil || len(a.IP) == 0 {
		return nil
	}
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

func (a *Address) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%d:%d:%d", a.IP, a.Port, a.Endpoint, a.Channel)
}
