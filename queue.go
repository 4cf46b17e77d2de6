// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"context"
	"sync"
	"time"

	"github.com/destiny/meshbus/wire"
)

// EndOfStream is returned by a closed Queue once it is drained.
var EndOfStream = &wire.Message{Group: "$EOS"}

// IsEndOfStream reports whether msg is the end of stream marker
func IsEndOfStream(msg *wire.Message) bool {
	return msg == EndOfStream
}

// Queue is a bounded message queue with blocking reads. Any number of
// goroutines may put and get concurrently.
type Queue struct {
	items    []*wire.Message // Pending messages
	capacity int             // Maximum pending messages
	closed   bool            // Close was called
	signal   chan struct{}   // Wakes one waiting reader
	mutex    sync.Mutex      // Protects items and closed
}

// NewQueue creates a queue holding at most capacity messages
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Put appends a message. It fails if the queue is full or closed.
func (q *Queue) Put(msg *wire.Message) error {
	q.mutex.Lock()
	switch {
	case q.closed:
		q.mutex.Unlock()
		return ErrClosed
	case len(q.items) >= q.capacity:
		q.mutex.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	q.mutex.Unlock()

	q.wake()
	return nil
}

// TryGet returns the next message without blocking
func (q *Queue) TryGet() (*wire.Message, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.pop()
}

// Get blocks until a message is available. A closed queue returns
// EndOfStream once drained.
func (q *Queue) Get() *wire.Message {
	msg, _ := q.GetContext(context.Background())
	return msg
}

// GetTimeout waits at most d for a message.
func (q *Queue) GetTimeout(d time.Duration) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	msg, err := q.GetContext(ctx)
	if err == context.DeadlineExceeded {
		return nil, ErrQueueTimeout
	}
	return msg, err
}

// GetContext waits for a message until ctx is done.
func (q *Queue) GetContext(ctx context.Context) (*wire.Message, error) {
	for {
		q.mutex.Lock()
		msg, ok := q.pop()
		q.mutex.Unlock()
		if ok {
			return msg, nil
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pop must be called with the mutex held. The end of stream marker stays
// queued so that every reader sees it.
func (q *Queue) pop() (*wire.Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	if IsEndOfStream(msg) {
		q.wake()
		return msg, true
	}
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.wake()
	}
	return msg, true
}

// Len returns the number of pending messages, not counting the end of
// stream marker.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	n := len(q.items)
	if q.closed {
		n--
	}
	return n
}

// Close queues the end of stream marker. It is safe to call more than once.
func (q *Queue) Close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.closed = true
	q.items = append(q.items, EndOfStream)
	q.mutex.Unlock()

	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
