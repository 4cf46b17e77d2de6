// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package meshbus is a broker-less reliable message bus over UDP broadcast.
//
// Every node picks a random endpoint id, numbers the frames it sends and
// keeps them for a while so that peers which noticed a gap can ask for a
// retransmission with a NAK. Channels sit on top of a Bus and provide group
// based publish/subscribe.
package meshbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/destiny/meshbus/reactor"
	"github.com/destiny/meshbus/wire"
)

// Link is the datagram socket a Bus writes to. WantWrite asks the owner to
// call Bus.Flush, or Bus.OnWritable under a reactor, soon.
type Link interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	WantWrite()
}

// Tap carries frames beyond the UDP segment, see the bridge package. A nil
// destination means broadcast.
type Tap interface {
	Forward(data []byte, to net.Addr) error
}

// outbound is a queued frame with an optional explicit destination
type outbound struct {
	packet *wire.Packet
	dest   net.Addr
}

// Bus owns the local endpoint identity, the send sequence, the outbound
// queue, the retransmission cache and the map of known peers.
type Bus struct {
	opts    options
	log     *Logger
	clock   clock.Clock
	metrics *Metrics
	events  *EventChannel
	token   string        // Process-local collision token
	limiter *rate.Limiter // Throttles NAK servicing

	endpoint      uint32    // Local endpoint id
	sequence      uint32    // Next send sequence
	insertedAt    time.Time // Start of the insertion grace window
	nextHeartbeat time.Time // Heartbeat deadline
	insertions    int       // Number of insertions so far
	identMu       sync.Mutex

	cache *PacketCache // Frames we sent

	peers   map[uint32]*PeerState // Remote endpoints
	peersMu sync.RWMutex

	queue   []outbound // Frames waiting for the writer
	queueMu sync.Mutex
	writeMu sync.Mutex // Serializes flushes

	link      Link         // Attached socket
	localAddr *net.UDPAddr // Bound address
	broadcast *net.UDPAddr // Broadcast destination
	tap       Tap          // Bridge relay
	linkMu    sync.RWMutex

	channels    map[uint32]*Channel
	nextChannel uint32
	chanMu      sync.RWMutex

	ctx       context.Context    // Heartbeat task lifetime
	cancel    context.CancelFunc // Cancel function
	wg        sync.WaitGroup     // Heartbeat goroutine
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBus creates a bus. It does not touch the network until it is attached
// to a Link, either directly or by registering it with a reactor.
func NewBus(opts ...Option) (*Bus, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	token, err := newCollisionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to create collision token: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:     o,
		log:      o.log.Named("bus"),
		clock:    o.clock,
		metrics:  NewMetrics(o.registerer),
		events:   NewEventChannel(),
		token:    token,
		limiter:  rate.NewLimiter(o.retransmitRate, o.retransmitBurst),
		cache:    NewPacketCache(o.clock),
		peers:    make(map[uint32]*PeerState),
		channels: make(map[uint32]*Channel),
		ctx:      ctx,
		cancel:   cancel,
	}
	return b, nil
}

// LocalEndpoint returns the current endpoint id
func (b *Bus) LocalEndpoint() uint32 {
	b.identMu.Lock()
	defer b.identMu.Unlock()
	return b.endpoint
}

func (b *Bus) localEndpoint() uint32 {
	return b.LocalEndpoint()
}

// Token returns the collision token carried by INSERT and ARP frames
func (b *Bus) Token() string {
	return b.token
}

// Metrics returns the bus collectors
func (b *Bus) Metrics() *Metrics {
	return b.metrics
}

// Events subscribes to bus events
func (b *Bus) Events(bufferSize int) <-chan *Event {
	return b.events.Subscribe(bufferSize)
}

// Attach connects the bus to a socket and computes the broadcast address.
func (b *Bus) Attach(link Link) {
	local, _ := link.LocalAddr().(*net.UDPAddr)
	if local == nil {
		local = &net.UDPAddr{IP: net.IPv4zero, Port: DefaultPort}
	}

	bcast := b.opts.broadcast
	if bcast == nil {
		bcast = broadcastAddress(local, b.opts.netmask)
	}

	b.linkMu.Lock()
	b.link = link
	b.localAddr = local
	b.broadcast = bcast
	b.linkMu.Unlock()

	b.log.Info("attached to %v, broadcasting to %v", local, bcast)
}

// SetTap installs the relay that carries frames beyond the segment
func (b *Bus) SetTap(t Tap) {
	b.linkMu.Lock()
	defer b.linkMu.Unlock()
	b.tap = t
}

// BroadcastAddress returns the broadcast destination
func (b *Bus) BroadcastAddress() *net.UDPAddr {
	b.linkMu.RLock()
	defer b.linkMu.RUnlock()
	return b.broadcast
}

// broadcastAddress applies mask to the host address. The all-zero mask and
// unbound hosts give the limited broadcast address.
func broadcastAddress(local *net.UDPAddr, mask net.IPMask) *net.UDPAddr {
	port := local.Port
	if port == 0 {
		port = DefaultPort
	}
	ip := local.IP.To4()
	if ip == nil || ip.IsUnspecified() || len(mask) != net.IPv4len {
		return &net.UDPAddr{IP: net.IPv4bcast.To4(), Port: port}
	}
	bcast := make(net.IP, net.IPv4len)
	for i := range bcast {
		bcast[i] = ip[i] | ^mask[i]
	}
	return &net.UDPAddr{IP: bcast, Port: port}
}

// Insert claims a fresh endpoint id and announces it. The first insertion
// uses the endpoint forced by WithEndpoint, if any; later ones never reuse
// the previous id.
func (b *Bus) Insert() error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.identMu.Lock()
	old := b.endpoint
	id := randomEndpoint(old, b.insertions > 0)
	if b.insertions == 0 && b.opts.endpoint != nil {
		id = *b.opts.endpoint
	}
	now := b.clock.Now()
	b.endpoint = id
	b.sequence = 0
	b.insertions++
	b.insertedAt = now
	b.nextHeartbeat = now.Add(b.opts.heartbeat)
	b.identMu.Unlock()

	b.cache.Reset()

	msg := wire.NewAdminMessage(wire.ActionInsert)
	msg.SetUint32(wire.FieldEndpoint, id)
	msg.Set(wire.FieldToken, b.token)

	b.log.Info("inserting as endpoint %d", id)
	return b.enqueue(wire.NewPacket(wire.KindAdmin, id, msg), nil)
}

// randomEndpoint picks a non-negative id, different from old when avoid is set
func randomEndpoint(old uint32, avoid bool) uint32 {
	for {
		id := rand.Uint32() & 0x7fffffff
		if !avoid || id != old {
			return id
		}
	}
}

// Inserted reports whether Insert was called
func (b *Bus) Inserted() bool {
	b.identMu.Lock()
	defer b.identMu.Unlock()
	return b.insertions > 0
}

// Withdraw flushes the outbound queue and announces that this node leaves.
func (b *Bus) Withdraw() error {
	msg := wire.NewAdminMessage(wire.ActionWithdraw)
	if err := b.enqueue(wire.NewPacket(wire.KindAdmin, 0, msg), nil); err != nil {
		return err
	}
	return b.Flush()
}

// Send queues a copy of msg as a frame of the given kind. The caller keeps
// ownership of msg.
func (b *Bus) Send(msg *wire.Message, kind wire.Kind) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if !kind.Valid() {
		return fmt.Errorf("failed to send: invalid frame kind %d", kind)
	}
	return b.enqueue(wire.NewPacket(kind, 0, msg.Clone()), nil)
}

// SendTo queues a copy of msg for one destination address
func (b *Bus) SendTo(msg *wire.Message, kind wire.Kind, dest net.Addr) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.enqueue(wire.NewPacket(kind, 0, msg.Clone()), dest)
}

func (b *Bus) enqueue(p *wire.Packet, dest net.Addr) error {
	b.queueMu.Lock()
	if len(b.queue) >= b.opts.queueCapacity {
		b.queueMu.Unlock()
		b.metrics.QueueDrops.Inc()
		return fmt.Errorf("failed to queue %s frame: %w", p.Kind, ErrQueueFull)
	}
	b.queue = append(b.queue, outbound{packet: p, dest: dest})
	b.queueMu.Unlock()

	b.linkMu.RLock()
	link := b.link
	b.linkMu.RUnlock()
	if link != nil {
		link.WantWrite()
	}
	return nil
}

func (b *Bus) dequeue() (outbound, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if len(b.queue) == 0 {
		return outbound{}, false
	}
	o := b.queue[0]
	b.queue[0] = outbound{}
	b.queue = b.queue[1:]
	return o, true
}

// Pending returns the number of queued frames
func (b *Bus) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// Flush writes every queued frame. Sequenced frames are numbered, stamped
// and cached for retransmission just before they go out.
func (b *Bus) Flush() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.linkMu.RLock()
	link := b.link
	b.linkMu.RUnlock()
	if link == nil {
		return ErrNotAttached
	}

	var errs error
	for {
		o, ok := b.dequeue()
		if !ok {
			return errs
		}
		if err := b.write(link, o); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
}

func (b *Bus) write(link Link, o outbound) error {
	p := o.packet

	b.identMu.Lock()
	p.Endpoint = b.endpoint
	switch {
	case p.Kind.Sequenced():
		p.Sequence = b.sequence
		b.sequence++
	case p.Kind == wire.KindHeartbeat:
		p.Sequence = b.sequence
	}
	b.identMu.Unlock()

	p.Timestamp = b.clock.Now().UnixMilli()
	if p.Kind.Sequenced() {
		b.cache.Add(p)
	}

	data, err := p.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %v: %w", p, err)
	}
	return b.transmit(link, data, b.destination(o), p.Kind)
}

// destination resolves where a frame goes: an explicit address, the
// message target, a known peer, or the broadcast address.
func (b *Bus) destination(o outbound) net.Addr {
	if o.dest != nil {
		return o.dest
	}
	if msg := o.packet.Payload; msg != nil && msg.Target != nil {
		t := msg.Target
		if udp := t.UDPAddr(); udp != nil {
			return udp
		}
		if t.Endpoint != 0 {
			if p := b.Peer(t.Endpoint); p != nil {
				return p.Addr()
			}
		}
	}
	return b.BroadcastAddress()
}

func (b *Bus) transmit(link Link, data []byte, dest net.Addr, kind wire.Kind) error {
	b.linkMu.RLock()
	tap, bcast := b.tap, b.broadcast
	b.linkMu.RUnlock()

	if _, ok := dest.(*net.UDPAddr); !ok {
		if tap == nil {
			return fmt.Errorf("failed to send %s frame to %v: no relay", kind, dest)
		}
		b.metrics.sent(kind)
		return tap.Forward(data, dest)
	}

	if _, err := link.WriteTo(data, dest); err != nil {
		return fmt.Errorf("failed to send %s frame to %v: %w", kind, dest, err)
	}
	b.metrics.sent(kind)

	if tap != nil && sameAddr(dest, bcast) {
		if err := tap.Forward(data, nil); err != nil {
			b.log.Debug("relay forward failed: %v", err)
		}
	}
	return nil
}

// Inject processes one received datagram. Under a reactor it is called
// from OnReadable; the bridge and tests call it directly. It must not be
// called concurrently.
func (b *Bus) Inject(data []byte, from net.Addr) {
	p, err := wire.Decode(data, b.opts.maxPayload)
	if err != nil {
		b.metrics.FormatErrors.Inc()
		b.log.Debug("dropping malformed frame from %v: %v", from, err)
		return
	}
	p.Timestamp = b.clock.Now().UnixMilli()
	b.metrics.received(p.Kind)

	if p.Kind == wire.KindAdmin {
		if tok, _ := p.Payload.Get(wire.FieldToken); tok == b.token {
			b.log.Trace("ignoring own %s frame", p.Payload.Action())
			return
		}
	}

	if p.Endpoint == b.LocalEndpoint() {
		b.handleOwnEndpoint(p, from)
		return
	}

	peer := b.lookupPeer(p.Endpoint, from)
	if peer == nil {
		return
	}
	peer.Handle(p)
}

// lookupPeer returns the peer for endpoint, creating it on first contact.
// Frames from an address other than the one first recorded are rejected.
func (b *Bus) lookupPeer(endpoint uint32, from net.Addr) *PeerState {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()

	if p, ok := b.peers[endpoint]; ok {
		if !sameAddr(p.Addr(), from) {
			b.metrics.Rejected.Inc()
			b.log.Warn("rejecting frame for endpoint %d from %v, peer is at %v", endpoint, from, p.Addr())
			return nil
		}
		return p
	}

	p := newPeerState(b, endpoint, from, &b.opts)
	b.peers[endpoint] = p
	b.metrics.Peers.Set(float64(len(b.peers)))
	b.log.Debug("new peer endpoint %d at %v", endpoint, from)
	return p
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// Peer returns the state of a known endpoint
func (b *Bus) Peer(endpoint uint32) *PeerState {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	return b.peers[endpoint]
}

// Peers returns a snapshot of every known peer, ordered by endpoint
func (b *Bus) Peers() []PeerInfo {
	b.peersMu.RLock()
	out := make([]PeerInfo, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p.Info())
	}
	b.peersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Housekeep runs the per-peer timers. Under a reactor it is scheduled on
// the reactor goroutine; it must not run concurrently with Inject.
func (b *Bus) Housekeep() {
	b.peersMu.RLock()
	peers := make([]*PeerState, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.peersMu.RUnlock()

	for _, p := range peers {
		p.Tick()
	}
}

// sendNak asks peer p to retransmit from seq
func (b *Bus) sendNak(p *PeerState, seq uint32) {
	msg := &wire.Message{Target: &wire.Address{Endpoint: p.Endpoint()}}
	pkt := wire.NewPacket(wire.KindNak, 0, msg)
	pkt.Sequence = seq

	b.log.Debug("NAK %d to endpoint %d", seq, p.Endpoint())
	if err := b.enqueue(pkt, p.Addr()); err != nil {
		b.log.Warn("failed to queue NAK for endpoint %d: %v", p.Endpoint(), err)
		return
	}
	b.metrics.NaksSent.Inc()
}

// serviceNak answers a NAK from p. Frames no longer cached are declared
// expired to everyone first, then whatever is cached from seq on is re-sent
// to p alone.
func (b *Bus) serviceNak(p *PeerState, seq uint32) {
	b.identMu.Lock()
	next := b.sequence
	b.identMu.Unlock()
	if next == 0 || seq >= next {
		b.log.Debug("endpoint %d asked for unsent frame %d", p.Endpoint(), seq)
		return
	}

	start := seq
	if _, ok := b.cache.GetBySequence(seq); !ok {
		through := next - 1
		if oldest, ok := b.cache.OldestSequence(); ok {
			if oldest == 0 || seq > oldest {
				b.log.Debug("NAK %d from endpoint %d is not cached", seq, p.Endpoint())
				return
			}
			through = oldest - 1
			start = oldest
		} else {
			start = next
		}

		expired := wire.NewPacket(wire.KindExpired, 0, nil)
		expired.Sequence = through
		if err := b.enqueue(expired, nil); err != nil {
			b.log.Warn("failed to queue EXPIRED %d: %v", through, err)
		} else {
			b.metrics.ExpiredSent.Inc()
		}
		b.log.Info("frames through %d expired, endpoint %d asked for %d", through, p.Endpoint(), seq)
	}

	dest := p.Addr()
	for _, f := range b.cache.From(start) {
		if !b.limiter.Allow() {
			b.metrics.RetransmitsCut.Inc()
			b.log.Debug("retransmission to endpoint %d throttled at %d", p.Endpoint(), f.Sequence)
			return
		}
		r := wire.NewPacket(wire.KindRetransmit, 0, f.Payload)
		r.Sequence = f.Sequence
		if err := b.enqueue(r, dest); err != nil {
			b.log.Warn("failed to queue retransmission %d: %v", f.Sequence, err)
			return
		}
		b.metrics.Retransmits.Inc()
	}
}

func (b *Bus) reportLoss(p *PeerState, loss *DataLoss) {
	b.log.Warn("%v", loss)
	b.metrics.FramesLost.Add(float64(loss.Count))
	b.publish(&Event{Type: EventDataLoss, Endpoint: loss.Endpoint, Addr: p.Addr(), Loss: loss})
}

func (b *Bus) publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	if missed := b.events.Publish(e); missed > 0 {
		b.log.Debug("%d subscriber(s) missed %s", missed, e.Type)
	}
}

// deliver takes an in-order frame from p
func (b *Bus) deliver(p *PeerState, pkt *wire.Packet) {
	msg := pkt.Payload
	if msg == nil {
		return
	}
	if msg.IsAdmin() {
		b.handleAdmin(p, msg)
		return
	}
	b.dispatch(msg)
}

// dispatch hands an application message to the matching channels. A
// message targeted at one of our channels only goes there.
func (b *Bus) dispatch(msg *wire.Message) {
	local := b.LocalEndpoint()
	if t := msg.Target; t != nil && t.Endpoint != 0 && t.Endpoint != local {
		b.log.Trace("dropping message for endpoint %d", t.Endpoint)
		return
	}

	b.chanMu.RLock()
	var targets []*Channel
	if t := msg.Target; t != nil && t.Channel != 0 && t.Endpoint == local {
		if ch, ok := b.channels[t.Channel]; ok {
			targets = append(targets, ch)
		}
	} else {
		for _, ch := range b.channels {
			if ch.Matches(msg.Group) {
				targets = append(targets, ch)
			}
		}
	}
	b.chanMu.RUnlock()

	for i, ch := range targets {
		m := msg
		if i > 0 {
			m = msg.Clone()
		}
		if err := ch.Receive(m); err != nil {
			if errors.Is(err, ErrQueueFull) {
				b.metrics.QueueDrops.Inc()
			}
			b.log.Warn("channel %d dropped message for %q: %v", ch.ID(), msg.Group, err)
		}
	}
}

// OpenChannel creates a channel on this bus. Its sends go out through the
// bus, and public group joins are announced to peers.
func (b *Bus) OpenChannel(opts ...ChannelOption) *Channel {
	b.chanMu.Lock()
	defer b.chanMu.Unlock()

	b.nextChannel++
	id := b.nextChannel

	ch := NewChannel(id, append([]ChannelOption{WithChannelQueueCapacity(b.opts.queueCapacity)}, opts...)...)
	ch.address = func() *wire.Address { return b.channelAddress(id) }
	if ch.outSink == nil {
		ch.outSink = func(msg *wire.Message) error { return b.Send(msg, wire.KindMsg) }
	}
	ch.onJoin = func(group string) { b.announce(wire.ActionJoin, group) }
	ch.onLeave = func(group string) { b.announce(wire.ActionLeave, group) }
	ch.onClose = b.removeChannel

	b.channels[id] = ch
	return ch
}

func (b *Bus) removeChannel(ch *Channel) {
	b.chanMu.Lock()
	delete(b.channels, ch.ID())
	b.chanMu.Unlock()

	for _, g := range ch.Groups() {
		if !IsPrivateGroup(g) {
			b.announce(wire.ActionLeave, g)
		}
	}
}

// Channels returns the number of open channels
func (b *Bus) Channels() int {
	b.chanMu.RLock()
	defer b.chanMu.RUnlock()
	return len(b.channels)
}

func (b *Bus) channelAddress(id uint32) *wire.Address {
	b.linkMu.RLock()
	local := b.localAddr
	b.linkMu.RUnlock()

	addr := &wire.Address{Endpoint: b.LocalEndpoint(), Channel: id}
	if local != nil {
		if !local.IP.IsUnspecified() {
			addr.IP = local.IP.To4()
		}
		addr.Port = uint16(local.Port)
	}
	return addr
}

// Start launches the heartbeat task
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go b.heartbeatLoop()
}

// Close withdraws from the bus, stops the heartbeat task and closes every
// channel and event subscription. It is safe to call more than once.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.Inserted() {
			if werr := b.Withdraw(); werr != nil && !errors.Is(werr, ErrNotAttached) {
				err = multierr.Append(err, fmt.Errorf("failed to withdraw: %w", werr))
			}
		}
		b.closed.Store(true)

		b.cancel()
		b.wg.Wait()

		b.chanMu.RLock()
		channels := make([]*Channel, 0, len(b.channels))
		for _, ch := range b.channels {
			channels = append(channels, ch)
		}
		b.chanMu.RUnlock()
		for _, ch := range channels {
			err = multierr.Append(err, ch.Close())
		}

		b.events.Close()
		b.log.Info("closed endpoint %d", b.LocalEndpoint())
	})
	return err
}

// Initialize attaches the bus to a reactor key and inserts it. A reactor
// restart calls it again with the rebound key, which re-inserts.
func (b *Bus) Initialize(key *reactor.Key) error {
	b.Attach(&keyLink{key: key})
	return b.Insert()
}

// OnReadable processes the datagrams pending on key
func (b *Bus) OnReadable(key *reactor.Key) error {
	for _, d := range key.ReadDatagrams() {
		b.Inject(d.Data, d.Addr)
	}
	return nil
}

// OnWritable flushes the outbound queue. Failed sends are logged; only a
// closed socket is reported to the reactor.
func (b *Bus) OnWritable(key *reactor.Key) error {
	key.RemoveInterest(reactor.OpWrite)
	if err := b.Flush(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return &reactor.TransportError{Op: "write", Addr: key.String(), Err: err}
		}
		b.log.Warn("%v", err)
	}
	return nil
}

// Register binds the bus to uri on r and schedules its per-peer timers.
func (b *Bus) Register(r *reactor.Reactor, uri string) (*reactor.Key, error) {
	key, err := r.Register(b, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to register bus: %w", err)
	}
	r.Schedule("peer-timers", housekeepingInterval(b.opts.nakInterval), b.Housekeep)
	return key, nil
}

func housekeepingInterval(nak time.Duration) time.Duration {
	d := nak / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// keyLink adapts a reactor key to Link
type keyLink struct {
	key *reactor.Key
}

func (l *keyLink) WriteTo(b []byte, addr net.Addr) (int, error) {
	return l.key.WriteTo(b, addr)
}

func (l *keyLink) LocalAddr() net.Addr {
	return l.key.LocalAddr()
}

func (l *keyLink) WantWrite() {
	l.key.AddInterest(reactor.OpWrite)
}
