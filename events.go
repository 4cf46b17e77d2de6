// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// EventType names a bus event
type EventType string

// Bus event types
const (
	EventPeerInsert   EventType = "PEER_INSERT"   // A peer announced itself
	EventPeerWithdraw EventType = "PEER_WITHDRAW" // A peer left cleanly
	EventPeerExpired  EventType = "PEER_EXPIRED"  // A peer went silent
	EventDataLoss     EventType = "DATA_LOSS"     // Frames from a peer are unrecoverable
	EventCollision    EventType = "COLLISION"     // Endpoint id collision detected
	EventJoin         EventType = "JOIN"          // A peer joined a group
	EventLeave        EventType = "LEAVE"         // A peer left a group
)

// Event represents something that happened on the bus
type Event struct {
	Type      EventType // Event type
	Endpoint  uint32    // Remote endpoint concerned (or the local one for collisions)
	Addr      net.Addr  // Remote address when known
	Group     string    // Group name (JOIN, LEAVE)
	Loss      *DataLoss // Loss details (DATA_LOSS)
	Timestamp time.Time // When the event occurred
}

func (e *Event) String() string {
	switch e.Type {
	case EventJoin, EventLeave:
		return fmt.Sprintf("%s endpoint=%d group=%s", e.Type, e.Endpoint, e.Group)
	case EventDataLoss:
		return fmt.Sprintf("%s %v", e.Type, e.Loss)
	}
	return fmt.Sprintf("%s endpoint=%d addr=%v", e.Type, e.Endpoint, e.Addr)
}

// EventChannel fans events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventChannel struct {
	listeners []chan *Event // Subscriber channels
	closed    bool          // Whether Close was called
	mutex     sync.Mutex    // Protects listeners and closed
}

// NewEventChannel creates an event channel with no subscribers
func NewEventChannel() *EventChannel {
	return &EventChannel{}
}

// Subscribe returns a channel that will receive copies of all events.
// The channel is closed when the EventChannel is closed.
func (ec *EventChannel) Subscribe(bufferSize int) <-chan *Event {
	listener := make(chan *Event, bufferSize)

	ec.mutex.Lock()
	defer ec.mutex.Unlock()

	if ec.closed {
		close(listener)
		return listener
	}
	ec.listeners = append(ec.listeners, listener)
	return listener
}

// Publish sends an event to all subscribers and returns how many of them
// missed it.
func (ec *EventChannel) Publish(event *Event) int {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()

	if ec.closed {
		return 0
	}

	missed := 0
	for _, listener := range ec.listeners {
		select {
		case listener <- event:
		default:
			missed++
		}
	}
	return missed
}

// Close closes every subscription. It is safe to call more than once.
func (ec *EventChannel) Close() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()

	if ec.closed {
		return
	}
	ec.closed = true
	for _, listener := range ec.listeners {
		close(listener)
	}
	ec.listeners = nil
}
