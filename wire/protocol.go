// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the meshbus frame format.
//
// Every frame starts with a 13 byte header in network byte order:
//
//	offset 0:  u8   frame type
//	offset 1:  u32  sending endpoint id
//	offset 5:  u32  sequence number
//	offset 9:  u32  payload length N
//	offset 13: N bytes, serialized Message (absent if N=0)
//
// The payload is an independently encoded Message carrying application
// addressing, name/value fields and an opaque body.
package wire

import "fmt"

// Kind identifies the frame type carried in the first header byte.
type Kind uint8

// Frame types
const (
	KindMsg        Kind = 0 // Application message (sequenced)
	KindHeartbeat  Kind = 1 // Periodic liveness frame
	KindAck        Kind = 2 // Positive acknowledgment (reserved)
	KindNak        Kind = 3 // Negative acknowledgment, requests a retransmission
	KindRetransmit Kind = 4 // Re-sent copy of a cached MSG/ADMIN frame
	KindAdmin      Kind = 5 // Bus administration (sequenced)
	KindExpired    Kind = 6 // Sender declares frames unrecoverable
	KindBatch      Kind = 7 // Several messages in one frame (reserved)
	KindFragment   Kind = 8 // Part of a large message (reserved)
)

// Header and size limits
const (
	HeaderSize = 13 // type + endpoint + sequence + payload length

	// DefaultMaxPayload is the largest payload that fits one UDP/IPv4 datagram.
	DefaultMaxPayload = 65535 - 20 - 8 - HeaderSize
)

var kindNames = [...]string{
	KindMsg:        "MSG",
	KindHeartbeat:  "HEARTBEAT",
	KindAck:        "ACK",
	KindNak:        "NAK",
	KindRetransmit: "RETRANSMIT",
	KindAdmin:      "ADMIN",
	KindExpired:    "EXPIRED",
	KindBatch:      "BATCH",
	KindFragment:   "FRAGMENT",
}

// String returns the protocol name of the frame type
func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Valid reports whether k is a known frame type
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// Sequenced reports whether frames of this kind consume a send sequence
// number and take part in gap detection.
func (k Kind) Sequenced() bool {
	return k == KindMsg || k == KindAdmin
}

// Admin payload field names
const (
	FieldAction         = "ACTION"
	FieldEndpoint       = "ENDPOINT"
	FieldToken          = "TOKEN"
	FieldSourceEndpoint = "SEP"
	FieldGroup          = "GRP"
	FieldTCP            = "TCP"
)

// Action is the value of the ACTION field of an admin message.
type Action string

// Admin actions
const (
	ActionInsert    Action = "INSERT"
	ActionWithdraw  Action = "WITHDRAW"
	ActionARP       Action = "ARP"
	ActionHeartbeat Action = "HEARTBEAT"
	ActionJoin      Action = "JOIN"
	ActionLeave     Action = "LEAVE"
)
