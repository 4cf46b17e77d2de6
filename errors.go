// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized is returned when a Channel joins a private group it did not create.
	ErrNotAuthorized = errors.New("meshbus: not authorized to join private group")

	// ErrClosed is returned by operations on a closed Channel or Bus.
	ErrClosed = errors.New("meshbus: closed")

	// ErrQueueTimeout is returned when a timed queue wait expires.
	ErrQueueTimeout = errors.New("meshbus: queue wait timed out")

	// ErrIdentityCollision marks two nodes claiming the same endpoint id.
	// It is resolved automatically and only surfaces in logs and events.
	ErrIdentityCollision = errors.New("meshbus: endpoint identity collision")

	// ErrNotAttached is returned when the bus has no transport yet.
	ErrNotAttached = errors.New("meshbus: bus not attached to a transport")

	// ErrQueueFull is returned when a bounded queue cannot take more messages.
	ErrQueueFull = errors.New("meshbus: queue full")

	// ErrInvalidGroup is returned for empty group names or empty segments.
	ErrInvalidGroup = errors.New("meshbus: invalid group name")
)

// DataLoss describes frames from one peer that can no longer be recovered,
// either because the sender expired them or because NAK retries ran out.
type DataLoss struct {
	Endpoint uint32 // Remote endpoint whose frames were lost
	From     uint32 // First lost sequence
	Through  uint32 // Last lost sequence
	Count    int    // Number of frames lost
	Reason   string // "expired" or "nak retry limit"
}

func (d *DataLoss) Error() string {
	return fmt.Sprintf("meshbus: lost %d frame(s) %d..%d from endpoint %d: %s",
		d.Count, d.From, d.Through, d.Endpoint, d.Reason)
}

// Loss reasons
const (
	LossExpired   = "expired"
	LossNakRetry  = "nak retry limit"
	LossBufferAge = "reorder buffer age"
)

// ConfigurationError reports an invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Field  string      // Setting name
	Value  interface{} // Offending value
	Reason string      // Why the value was rejected
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("meshbus: invalid configuration %s=%v: %s", e.Field, e.Value, e.Reason)
}
