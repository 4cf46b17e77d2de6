// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testutil

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

const maxPumpRounds = 10000

// Node is something attached to a Segment: it receives datagrams through
// Inject and writes its pending frames when Flush is called.
type Node interface {
	Inject(data []byte, from net.Addr)
	Flush() error
}

// DropFunc decides whether a datagram is lost in transit
type DropFunc func(from, to net.Addr, data []byte) bool

type datagram struct {
	from *net.UDPAddr
	to   *Port
	data []byte
}

// Segment is an in-memory broadcast network for protocol tests. Hosts get
// 10.0.0.x addresses; 10.0.0.255 and 255.255.255.255 reach every port,
// including the sender. Nothing moves until Pump is called.
type Segment struct {
	ports []*Port
	queue []datagram
	drop  DropFunc
	mutex sync.Mutex
}

// Port is one node's attachment to a Segment
type Port struct {
	segment   *Segment
	addr      *net.UDPAddr
	node      Node
	wantWrite atomic.Bool
	sent      atomic.Int64
	received  atomic.Int64
}

// SubnetBroadcast is the directed broadcast address of the segment
var SubnetBroadcast = net.IPv4(10, 0, 0, 255).To4()

// NewSegment creates an empty segment
func NewSegment() *Segment {
	return &Segment{}
}

// Attach adds a node at the next free host address, on port 7943.
func (s *Segment) Attach(node Node) *Port {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	host := byte(len(s.ports) + 1)
	p := &Port{
		segment: s,
		addr:    &net.UDPAddr{IP: net.IPv4(10, 0, 0, host).To4(), Port: 7943},
		node:    node,
	}
	s.ports = append(s.ports, p)
	return p
}

// SetDropFunc installs a loss filter; nil delivers everything.
func (s *Segment) SetDropFunc(fn DropFunc) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.drop = fn
}

// LocalAddr returns the port address
func (p *Port) LocalAddr() net.Addr {
	return p.addr
}

// WantWrite asks the segment to call Flush on the next Pump round
func (p *Port) WantWrite() {
	p.wantWrite.Store(true)
}

// Sent returns the number of datagrams written
func (p *Port) Sent() int64 {
	return p.sent.Load()
}

// Received returns the number of datagrams delivered
func (p *Port) Received() int64 {
	return p.received.Load()
}

// WriteTo queues a datagram for every port addr reaches
func (p *Port) WriteTo(b []byte, addr net.Addr) (int, error) {
	to, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("segment: unsupported address %v", addr)
	}
	p.sent.Add(1)

	s := p.segment
	s.mutex.Lock()
	defer s.mutex.Unlock()

	broadcast := to.IP.Equal(net.IPv4bcast) || to.IP.Equal(SubnetBroadcast)
	for _, dst := range s.ports {
		if !broadcast && !(dst.addr.IP.Equal(to.IP) && dst.addr.Port == to.Port) {
			continue
		}
		if s.drop != nil && s.drop(p.addr, dst.addr, b) {
			continue
		}
		s.queue = append(s.queue, datagram{
			from: p.addr,
			to:   dst,
			data: append([]byte(nil), b...),
		})
	}
	return len(b), nil
}

// Pump flushes nodes and delivers queued datagrams until the segment is
// quiet. It returns the number of datagrams delivered.
func (s *Segment) Pump() int {
	delivered := 0
	for round := 0; round < maxPumpRounds; round++ {
		progressed := false

		s.mutex.Lock()
		ports := append([]*Port(nil), s.ports...)
		s.mutex.Unlock()

		for _, p := range ports {
			if p.wantWrite.Swap(false) {
				_ = p.node.Flush()
				progressed = true
			}
		}

		s.mutex.Lock()
		queue := s.queue
		s.queue = nil
		s.mutex.Unlock()

		for _, d := range queue {
			d.to.received.Add(1)
			d.to.node.Inject(d.data, d.from)
			delivered++
			progressed = true
		}

		if !progressed {
			return delivered
		}
	}
	panic("segment: traffic did not settle")
}
