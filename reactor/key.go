// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reactor

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Op is a set of readiness operations
type Op uint32

// Readiness operations, dispatched in this order
const (
	OpAccept Op = 1 << iota
	OpConnect
	OpRead
	OpWrite
)

var dispatchOrder = [...]Op{OpAccept, OpConnect, OpRead, OpWrite}

func (o Op) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	for _, op := range dispatchOrder {
		if o&op == 0 {
			continue
		}
		switch op {
		case OpAccept:
			parts = append(parts, "accept")
		case OpConnect:
			parts = append(parts, "connect")
		case OpRead:
			parts = append(parts, "read")
		case OpWrite:
			parts = append(parts, "write")
		}
	}
	return strings.Join(parts, "|")
}

type keyKind int

const (
	kindPacket     keyKind = iota // UDP socket
	kindListener                  // TCP listener
	kindStream                    // TCP connection
	kindConnecting                // TCP dial in progress
)

// Datagram is one received UDP packet
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// Key is the registration of one socket with the reactor. Readiness and
// pending input are only touched on the reactor goroutine; interest may be
// changed from any goroutine.
type Key struct {
	reactor *Reactor
	handler Handler
	uri     string // Set for keys created by Register, used by Restart
	kind    keyKind

	packet   net.PacketConn // kindPacket
	listener net.Listener   // kindListener
	stream   net.Conn       // kindStream
	remote   string         // Dial target for kindConnecting

	interest   atomic.Uint32
	ready      Op
	datagrams  []Datagram
	accepted   []net.Conn
	data       []byte
	dialed     net.Conn
	dialErr    error
	attachment interface{}

	valid     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newKey(r *Reactor, h Handler, kind keyKind) *Key {
	k := &Key{
		reactor: r,
		handler: h,
		kind:    kind,
		done:    make(chan struct{}),
	}
	k.valid.Store(true)
	return k
}

// Handler returns the handler attached to the key
func (k *Key) Handler() Handler {
	return k.handler
}

// URI returns the registration URI, empty for accepted or dialed streams
func (k *Key) URI() string {
	return k.uri
}

// Attach stores an arbitrary value on the key
func (k *Key) Attach(v interface{}) {
	k.attachment = v
}

// Attachment returns the value stored by Attach
func (k *Key) Attachment() interface{} {
	return k.attachment
}

// Valid reports whether the key is still registered
func (k *Key) Valid() bool {
	return k.valid.Load()
}

// Interest returns the operations the handler wants to be called for
func (k *Key) Interest() Op {
	return Op(k.interest.Load())
}

// SetInterest replaces the interest set. Adding OpWrite wakes the reactor.
func (k *Key) SetInterest(ops Op) {
	old := Op(k.interest.Swap(uint32(ops)))
	if ops&OpWrite != 0 && old&OpWrite == 0 {
		k.reactor.wake()
	}
}

// AddInterest adds operations to the interest set
func (k *Key) AddInterest(ops Op) {
	for {
		old := k.interest.Load()
		if k.interest.CompareAndSwap(old, old|uint32(ops)) {
			if ops&OpWrite != 0 && Op(old)&OpWrite == 0 {
				k.reactor.wake()
			}
			return
		}
	}
}

// RemoveInterest drops operations from the interest set
func (k *Key) RemoveInterest(ops Op) {
	for {
		old := k.interest.Load()
		if k.interest.CompareAndSwap(old, old&^uint32(ops)) {
			return
		}
	}
}

// Ready returns the operations being dispatched
func (k *Key) Ready() Op {
	return k.ready
}

// LocalAddr returns the bound address of the socket
func (k *Key) LocalAddr() net.Addr {
	switch k.kind {
	case kindPacket:
		return k.packet.LocalAddr()
	case kindListener:
		return k.listener.Addr()
	case kindStream:
		return k.stream.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer address of a stream
func (k *Key) RemoteAddr() net.Addr {
	if k.kind == kindStream {
		return k.stream.RemoteAddr()
	}
	return nil
}

// ReadDatagrams returns the datagrams received since the last call
func (k *Key) ReadDatagrams() []Datagram {
	d := k.datagrams
	k.datagrams = nil
	return d
}

// WriteTo sends one datagram
func (k *Key) WriteTo(b []byte, addr net.Addr) (int, error) {
	if k.kind != kindPacket {
		return 0, &TransportError{Op: "write", Addr: addrString(addr), Err: fmt.Errorf("not a packet socket")}
	}
	n, err := k.packet.WriteTo(b, addr)
	if err != nil {
		return n, &TransportError{Op: "write", Addr: addrString(addr), Err: err}
	}
	return n, nil
}

// Accept returns the next accepted connection
func (k *Key) Accept() (net.Conn, bool) {
	if len(k.accepted) == 0 {
		return nil, false
	}
	c := k.accepted[0]
	k.accepted = k.accepted[1:]
	return c, true
}

// Read returns the stream bytes received since the last call
func (k *Key) Read() []byte {
	d := k.data
	k.data = nil
	return d
}

// Write sends stream bytes, bounded by the reactor write timeout
func (k *Key) Write(b []byte) (int, error) {
	if k.kind != kindStream {
		return 0, &TransportError{Op: "write", Addr: k.remote, Err: fmt.Errorf("not a stream")}
	}
	if t := k.reactor.writeTimeout; t > 0 {
		_ = k.stream.SetWriteDeadline(time.Now().Add(t))
	}
	n, err := k.stream.Write(b)
	if err != nil {
		return n, &TransportError{Op: "write", Addr: addrString(k.stream.RemoteAddr()), Err: err}
	}
	return n, nil
}

// FinishConnect completes a dial started by Reactor.Connect. On success the
// key becomes a stream with read interest.
func (k *Key) FinishConnect() error {
	if k.kind != kindConnecting {
		return nil
	}
	if k.dialErr != nil {
		return &TransportError{Op: "connect", Addr: k.remote, Err: k.dialErr}
	}
	k.kind = kindStream
	k.stream = k.dialed
	k.dialed = nil
	k.SetInterest(OpRead)
	k.reactor.startStream(k)
	return nil
}

// Cancel deregisters the key and closes its socket. It is safe to call
// more than once.
func (k *Key) Cancel() error {
	k.closeOnce.Do(func() {
		k.valid.Store(false)
		close(k.done)
		switch {
		case k.packet != nil:
			k.closeErr = k.packet.Close()
		case k.listener != nil:
			k.closeErr = k.listener.Close()
		case k.stream != nil:
			k.closeErr = k.stream.Close()
		case k.dialed != nil:
			k.closeErr = k.dialed.Close()
		}
		for _, c := range k.accepted {
			c.Close()
		}
		k.accepted = nil
		k.reactor.remove(k)
	})
	return k.closeErr
}

func (k *Key) String() string {
	addr := k.LocalAddr()
	switch {
	case k.uri != "":
		return k.uri
	case k.kind == kindStream:
		return fmt.Sprintf("tcp://%v->%v", addr, k.stream.RemoteAddr())
	case k.kind == kindConnecting:
		return "tcp://" + k.remote
	}
	return addrString(addr)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
