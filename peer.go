// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/destiny/meshbus/wire"
)

// peerHost is what a PeerState needs from its bus
type peerHost interface {
	localEndpoint() uint32
	sendNak(p *PeerState, seq uint32)
	serviceNak(p *PeerState, seq uint32)
	deliver(p *PeerState, pkt *wire.Packet)
	reportLoss(p *PeerState, loss *DataLoss)
}

// PeerState tracks one remote endpoint: in-order delivery of its frames,
// gap recovery through NAKs, and liveness.
//
// Handle and Tick run on the reactor goroutine only. Liveness, address and
// group fields are also read by the heartbeat task and are locked.
type PeerState struct {
	host  peerHost
	log   *Logger
	clock clock.Clock

	retryLimit    int           // Unanswered NAKs before a gap is skipped
	nakInterval   time.Duration // Delay before repeating a NAK
	reorderMaxAge time.Duration // Bound on buffered frame age
	expiration    time.Duration // Silence tolerated before expiry

	endpoint  uint32         // Remote endpoint id
	firstSeen time.Time      // When the peer was first heard
	buffer    *ReorderBuffer // Out-of-order frames

	last       atomic.Int64 // Last delivered sequence, -1 for none
	nakTotal   atomic.Int64 // NAKs ever sent to this peer
	nakCount   int          // NAKs sent since the last retransmission
	nakPending bool         // A NAK is outstanding for the current gap
	nakSeq     uint32       // Sequence named by the outstanding NAK
	lastNak    time.Time    // When the outstanding NAK was sent

	addr      net.Addr        // Address the peer was first heard from
	lastSeen  time.Time       // When the peer was last heard
	withdrawn bool            // Peer sent WITHDRAW
	tcpAddr   string          // Bridge address from heartbeats
	groups    map[string]bool // Public groups announced by the peer
	mutex     sync.RWMutex    // Protects the fields above
}

func newPeerState(host peerHost, endpoint uint32, addr net.Addr, o *options) *PeerState {
	now := o.clock.Now()
	p := &PeerState{
		host:          host,
		log:           o.log,
		clock:         o.clock,
		retryLimit:    o.nakRetryLimit,
		nakInterval:   o.nakInterval,
		reorderMaxAge: o.reorderMaxAge,
		expiration:    o.expiration,
		endpoint:      endpoint,
		firstSeen:     now,
		buffer:        NewReorderBuffer(o.clock),
		addr:          addr,
		lastSeen:      now,
		groups:        make(map[string]bool),
	}
	p.last.Store(-1)
	return p
}

// Endpoint returns the remote endpoint id
func (p *PeerState) Endpoint() uint32 {
	return p.endpoint
}

// Addr returns the address the peer's frames come from
func (p *PeerState) Addr() net.Addr {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.addr
}

// LastDelivered returns the last delivered sequence, or -1.
func (p *PeerState) LastDelivered() int64 {
	return p.last.Load()
}

// NakTotal returns the number of NAKs sent to this peer
func (p *PeerState) NakTotal() int64 {
	return p.nakTotal.Load()
}

// Buffer exposes the reorder buffer. Reactor goroutine only.
func (p *PeerState) Buffer() *ReorderBuffer {
	return p.buffer
}

// Handle classifies one frame from the peer and acts on it.
func (p *PeerState) Handle(pkt *wire.Packet) {
	p.Touch()

	switch pkt.Kind {
	case wire.KindMsg, wire.KindAdmin:
		p.handleSequenced(pkt)
	case wire.KindRetransmit:
		p.handleRetransmit(pkt)
	case wire.KindHeartbeat:
		p.handleHeartbeat(pkt)
	case wire.KindExpired:
		p.handleExpired(pkt.Sequence)
	case wire.KindNak:
		p.handleNak(pkt)
	default:
		p.log.Debug("endpoint %d: ignoring %s frame", p.endpoint, pkt.Kind)
	}
}

func (p *PeerState) handleSequenced(pkt *wire.Packet) {
	seq := int64(pkt.Sequence)
	last := p.last.Load()

	switch {
	case seq == 1 && last >= 1:
		p.log.Info("endpoint %d restarted its sequence (last delivered %d)", p.endpoint, last)
		p.reset()
		p.deliver(pkt)

	case last < 0 && p.buffer.Empty():
		// First frame heard from this peer starts the stream, so a late
		// joiner never NAKs missed history. Pairs with the last < 0 return
		// in handleExpired.
		p.deliver(pkt)

	case seq <= last:
		p.log.Trace("endpoint %d: duplicate frame %d (last delivered %d)", p.endpoint, seq, last)

	case seq == last+1:
		if p.buffer.Empty() {
			p.deliver(pkt)
			return
		}
		p.buffer.Insert(pkt)
		p.drain()

	default:
		p.buffer.Reserve(uint32(last + 1))
		if !p.buffer.Insert(pkt) {
			p.log.Trace("endpoint %d: duplicate buffered frame %d", p.endpoint, seq)
			return
		}
		p.log.Debug("endpoint %d: gap after %d, received %d", p.endpoint, last, seq)
		p.requestGap()
	}
}

func (p *PeerState) handleRetransmit(pkt *wire.Packet) {
	p.nakCount = 0

	seq := int64(pkt.Sequence)
	last := p.last.Load()

	switch {
	case last < 0 && p.buffer.Empty():
		p.deliver(pkt)
	case seq <= last:
		p.log.Trace("endpoint %d: duplicate retransmission %d", p.endpoint, seq)
	case seq == last+1 && p.buffer.Empty():
		p.deliver(pkt)
	default:
		p.buffer.Reserve(uint32(last + 1))
		p.buffer.Insert(pkt)
		p.drain()
	}
}

// Heartbeats carry the peer's next send sequence. Gaps seen here are only
// logged; recovery waits for the next sequenced frame or for expiry.
func (p *PeerState) handleHeartbeat(pkt *wire.Packet) {
	if tcp, ok := pkt.Payload.Get(wire.FieldTCP); ok && tcp != "" {
		p.mutex.Lock()
		if p.tcpAddr == "" {
			p.tcpAddr = tcp
		}
		p.mutex.Unlock()
	}

	last := p.last.Load()
	if last < 0 {
		return
	}
	sent := int64(pkt.Sequence) - 1
	switch {
	case sent > last:
		p.log.Debug("endpoint %d: heartbeat reports frames through %d, delivered %d", p.endpoint, sent, last)
	case sent < last:
		p.log.Debug("endpoint %d: heartbeat sequence rolled back to %d, delivered %d", p.endpoint, sent, last)
	}
}

func (p *PeerState) handleExpired(seq uint32) {
	last := p.last.Load()
	// Nothing delivered yet: the next sequenced frame starts the stream,
	// see handleSequenced.
	if last < 0 || int64(seq) <= last {
		return
	}

	ready, _ := p.buffer.DiscardThrough(seq)
	lost := int(int64(seq)-last) - len(ready)
	for _, pkt := range ready {
		p.deliver(pkt)
	}
	p.last.Store(int64(seq))
	p.clearNak()

	if lost > 0 {
		p.host.reportLoss(p, &DataLoss{
			Endpoint: p.endpoint,
			From:     uint32(last + 1),
			Through:  seq,
			Count:    lost,
			Reason:   LossExpired,
		})
	}
	p.drain()
}

// A NAK names the endpoint it is addressed to. NAKs without a target are
// ignored rather than answered by everyone.
func (p *PeerState) handleNak(pkt *wire.Packet) {
	if pkt.Payload == nil || pkt.Payload.Target == nil {
		p.log.Debug("endpoint %d: ignoring NAK %d without target", p.endpoint, pkt.Sequence)
		return
	}
	if pkt.Payload.Target.Endpoint != p.host.localEndpoint() {
		return
	}
	p.host.serviceNak(p, pkt.Sequence)
}

// Tick runs the timers: NAK repetition, the retry ceiling, and reorder
// buffer age expiry.
func (p *PeerState) Tick() {
	now := p.clock.Now()

	if p.nakPending && !p.buffer.Empty() && now.Sub(p.lastNak) >= p.nakInterval {
		if p.nakCount >= p.retryLimit {
			p.skipGap()
		} else {
			p.sendNak(uint32(p.last.Load() + 1))
		}
	}

	if p.reorderMaxAge > 0 {
		p.expireBuffer()
	}
}

// skipGap stops waiting for a gap that NAKs could not repair.
func (p *PeerState) skipGap() {
	from := uint32(p.last.Load() + 1)
	dropped := p.buffer.MakeReady()
	p.clearNak()

	p.log.Warn("endpoint %d: giving up on %d frame(s) after %d NAKs", p.endpoint, dropped, p.retryLimit)
	if dropped > 0 {
		p.host.reportLoss(p, &DataLoss{
			Endpoint: p.endpoint,
			From:     from,
			Through:  from + uint32(dropped) - 1,
			Count:    dropped,
			Reason:   LossNakRetry,
		})
	}
	p.drain()
}

func (p *PeerState) expireBuffer() {
	dropped, through := p.buffer.Expire(p.reorderMaxAge)
	if dropped == 0 {
		return
	}

	last := p.last.Load()
	ready, _ := p.buffer.DiscardThrough(through)
	lost := int(int64(through)-last) - len(ready)
	for _, pkt := range ready {
		p.deliver(pkt)
	}
	p.last.Store(int64(through))
	p.clearNak()

	if lost > 0 {
		p.host.reportLoss(p, &DataLoss{
			Endpoint: p.endpoint,
			From:     uint32(last + 1),
			Through:  through,
			Count:    lost,
			Reason:   LossBufferAge,
		})
	}
	p.drain()
}

// drain delivers every frame that became contiguous and keeps a NAK
// outstanding while a gap remains.
func (p *PeerState) drain() {
	for _, pkt := range p.buffer.DrainReady() {
		if int64(pkt.Sequence) <= p.last.Load() {
			continue
		}
		p.deliver(pkt)
	}
	if p.buffer.Empty() {
		p.clearNak()
		return
	}
	p.requestGap()
}

// requestGap sends one NAK per gap; repetition is left to Tick.
func (p *PeerState) requestGap() {
	if p.nakPending {
		return
	}
	p.sendNak(uint32(p.last.Load() + 1))
}

func (p *PeerState) sendNak(seq uint32) {
	p.nakPending = true
	p.nakSeq = seq
	p.nakCount++
	p.nakTotal.Add(1)
	p.lastNak = p.clock.Now()
	p.host.sendNak(p, seq)
}

func (p *PeerState) clearNak() {
	p.nakPending = false
	p.nakCount = 0
}

func (p *PeerState) deliver(pkt *wire.Packet) {
	p.last.Store(int64(pkt.Sequence))
	p.host.deliver(p, pkt)
}

func (p *PeerState) reset() {
	p.buffer.Reset()
	p.clearNak()
	p.last.Store(0)
}

// Touch records that the peer was heard from
func (p *PeerState) Touch() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.lastSeen = p.clock.Now()
}

// LastSeen returns when the peer was last heard
func (p *PeerState) LastSeen() time.Time {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.lastSeen
}

// IsExpired reports whether the peer has been silent for longer than the
// expiration timeout with slack.
func (p *PeerState) IsExpired() bool {
	limit := time.Duration(float64(p.expiration) * expirationSlack)
	return p.clock.Since(p.LastSeen()) > limit
}

// Withdraw marks the peer as gone
func (p *PeerState) Withdraw() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.withdrawn = true
}

// Withdrawn reports whether the peer sent WITHDRAW
func (p *PeerState) Withdrawn() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.withdrawn
}

// TCPAddress returns the bridge address the peer advertised, if any
func (p *PeerState) TCPAddress() string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.tcpAddr
}

// JoinGroup records that the peer joined a group
func (p *PeerState) JoinGroup(group string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.groups[group] = true
}

// LeaveGroup records that the peer left a group
func (p *PeerState) LeaveGroup(group string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.groups, group)
}

// InGroup checks if the peer announced a group
func (p *PeerState) InGroup(group string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.groups[group]
}

// PeerInfo is a snapshot of a PeerState
type PeerInfo struct {
	Endpoint      uint32
	Addr          string
	TCPAddr       string
	FirstSeen     time.Time
	LastSeen      time.Time
	LastDelivered int64
	NakTotal      int64
	Groups        []string
}

// Info returns a snapshot of the peer
func (p *PeerState) Info() PeerInfo {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	info := PeerInfo{
		Endpoint:      p.endpoint,
		TCPAddr:       p.tcpAddr,
		FirstSeen:     p.firstSeen,
		LastSeen:      p.lastSeen,
		LastDelivered: p.last.Load(),
		NakTotal:      p.nakTotal.Load(),
	}
	if p.addr != nil {
		info.Addr = p.addr.String()
	}
	for g := range p.groups {
		info.Groups = append(info.Groups, g)
	}
	sort.Strings(info.Groups)
	return info
}
