// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/destiny/meshbus/wire"
)

// reorderEntry is one slot of the reorder buffer. A nil packet marks a
// placeholder for a sequence that has not arrived yet.
type reorderEntry struct {
	seq    uint32
	packet *wire.Packet
	added  time.Time
}

func (e *reorderEntry) placeholder() bool {
	return e.packet == nil
}

// ReorderBuffer holds frames received out of order from one peer, with
// placeholders filling the gaps. Entries are kept sorted and contiguous by
// sequence. It is owned by the reactor goroutine and is not locked.
type ReorderBuffer struct {
	clock   clock.Clock
	entries []*reorderEntry
}

// BufferSlot describes one entry for inspection
type BufferSlot struct {
	Sequence    uint32
	Placeholder bool
}

// NewReorderBuffer creates an empty buffer
func NewReorderBuffer(clk clock.Clock) *ReorderBuffer {
	if clk == nil {
		clk = clock.New()
	}
	return &ReorderBuffer{clock: clk}
}

// Insert stores a received frame, creating placeholders for any sequences
// between it and the current entries. It returns false if a real frame
// already occupies that sequence.
func (b *ReorderBuffer) Insert(p *wire.Packet) bool {
	return b.insert(p.Sequence, p)
}

// Reserve makes sure a slot exists for seq, adding a placeholder if needed.
func (b *ReorderBuffer) Reserve(seq uint32) {
	b.insert(seq, nil)
}

func (b *ReorderBuffer) insert(seq uint32, p *wire.Packet) bool {
	now := b.clock.Now()

	if len(b.entries) == 0 {
		b.entries = append(b.entries, &reorderEntry{seq: seq, packet: p, added: now})
		return true
	}

	first := b.entries[0].seq
	last := b.entries[len(b.entries)-1].seq

	switch {
	case seq < first:
		head := make([]*reorderEntry, 0, int(first-seq)+len(b.entries))
		head = append(head, &reorderEntry{seq: seq, packet: p, added: now})
		for s := seq + 1; s < first; s++ {
			head = append(head, &reorderEntry{seq: s, added: now})
		}
		b.entries = append(head, b.entries...)
		return true

	case seq > last:
		for s := last + 1; s < seq; s++ {
			b.entries = append(b.entries, &reorderEntry{seq: s, added: now})
		}
		b.entries = append(b.entries, &reorderEntry{seq: seq, packet: p, added: now})
		return true
	}

	e := b.entries[seq-first]
	if !e.placeholder() {
		return false
	}
	if p != nil {
		e.packet = p
		e.added = now
	}
	return true
}

// IsReady reports whether the first entry holds a real frame.
func (b *ReorderBuffer) IsReady() bool {
	return len(b.entries) > 0 && !b.entries[0].placeholder()
}

// DrainReady removes and returns the leading run of real frames, in
// sequence order. It stops at the first placeholder.
func (b *ReorderBuffer) DrainReady() []*wire.Packet {
	var out []*wire.Packet
	i := 0
	for ; i < len(b.entries) && !b.entries[i].placeholder(); i++ {
		out = append(out, b.entries[i].packet)
	}
	b.drop(i)
	return out
}

// MakeReady drops leading placeholders so that delivery can resume after
// frames presumed lost. It returns the number of placeholders dropped.
func (b *ReorderBuffer) MakeReady() int {
	i := 0
	for i < len(b.entries) && b.entries[i].placeholder() {
		i++
	}
	b.drop(i)
	return i
}

// DiscardThrough removes every entry with sequence <= seq. Real frames among
// them are returned in order; lost counts the placeholders removed.
func (b *ReorderBuffer) DiscardThrough(seq uint32) (ready []*wire.Packet, lost int) {
	i := 0
	for ; i < len(b.entries) && b.entries[i].seq <= seq; i++ {
		if b.entries[i].placeholder() {
			lost++
		} else {
			ready = append(ready, b.entries[i].packet)
		}
	}
	b.drop(i)
	return ready, lost
}

// Expire drops every entry older than maxAge, placeholder or not. It
// returns how many entries were dropped and the highest dropped sequence.
func (b *ReorderBuffer) Expire(maxAge time.Duration) (dropped int, through uint32) {
	cutoff := b.clock.Now().Add(-maxAge)

	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.added.Before(cutoff) {
			dropped++
			through = e.seq
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = kept
	return dropped, through
}

// Len returns the number of entries including placeholders
func (b *ReorderBuffer) Len() int {
	return len(b.entries)
}

// Empty reports whether the buffer has no entries
func (b *ReorderBuffer) Empty() bool {
	return len(b.entries) == 0
}

// First returns the lowest buffered sequence
func (b *ReorderBuffer) First() (uint32, bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].seq, true
}

// Slots returns a snapshot of the buffer layout
func (b *ReorderBuffer) Slots() []BufferSlot {
	out := make([]BufferSlot, len(b.entries))
	for i, e := range b.entries {
		out[i] = BufferSlot{Sequence: e.seq, Placeholder: e.placeholder()}
	}
	return out
}

// Reset drops every entry
func (b *ReorderBuffer) Reset() {
	b.entries = nil
}

func (b *ReorderBuffer) drop(n int) {
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		b.entries[i] = nil
	}
	b.entries = b.entries[n:]
	if len(b.entries) == 0 {
		b.entries = nil
	}
}
