// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"sync"
	"testing"
	"time"
)

// MessageTracker checks per-sender delivery. Ordering is only promised per
// sending endpoint, so streams from different senders may interleave.
type MessageTracker struct {
	mu       sync.Mutex
	sent     map[uint32][]string
	received map[uint32][]string
}

// NewMessageTracker creates an empty tracker
func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		sent:     make(map[uint32][]string),
		received: make(map[uint32][]string),
	}
}

// MarkSent records a message body published by endpoint
func (mt *MessageTracker) MarkSent(endpoint uint32, body string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.sent[endpoint] = append(mt.sent[endpoint], body)
}

// MarkReceived records a message body delivered from endpoint
func (mt *MessageTracker) MarkReceived(endpoint uint32, body string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.received[endpoint] = append(mt.received[endpoint], body)
}

// Received returns the number of deliveries recorded
func (mt *MessageTracker) Received() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	n := 0
	for _, r := range mt.received {
		n += len(r)
	}
	return n
}

// VerifyDelivery fails t unless every sender's messages arrived exactly
// once and in send order.
func (mt *MessageTracker) VerifyDelivery(t testing.TB) {
	t.Helper()

	mt.mu.Lock()
	defer mt.mu.Unlock()

	for ep, sent := range mt.sent {
		got := mt.received[ep]
		if len(sent) != len(got) {
			t.Errorf("endpoint %d: sent %d messages, received %d", ep, len(sent), len(got))
			continue
		}
		for i := range sent {
			if sent[i] != got[i] {
				t.Errorf("endpoint %d: message %d out of order: sent %q, received %q", ep, i, sent[i], got[i])
				break
			}
		}
	}
	for ep, got := range mt.received {
		if _, ok := mt.sent[ep]; !ok {
			t.Errorf("endpoint %d: %d unexpected messages", ep, len(got))
		}
	}
}

// WaitWithTimeout polls condition every interval and fails t once timeout
// passes without it holding.
func WaitWithTimeout(t testing.TB, condition func() bool, timeout, interval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}
