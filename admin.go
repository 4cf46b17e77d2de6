// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"encoding/hex"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/destiny/meshbus/wire"
)

const tokenSize = 8

// newCollisionToken derives a short token unique to this process. Two
// nodes claiming one endpoint id tell each other apart by it.
func newCollisionToken() (string, error) {
	h, err := blake2b.New(tokenSize, nil)
	if err != nil {
		return "", err
	}
	seed := uuid.New()
	host, _ := os.Hostname()

	h.Write(seed[:])
	h.Write([]byte(host))
	h.Write([]byte(strconv.Itoa(os.Getpid())))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// handleOwnEndpoint deals with frames carrying our endpoint id that are
// not our own: another node claims the same id.
func (b *Bus) handleOwnEndpoint(p *wire.Packet, from net.Addr) {
	if p.Kind != wire.KindAdmin {
		b.log.Trace("dropping %v from %v: own endpoint", p, from)
		return
	}

	msg := p.Payload
	switch msg.Action() {
	case wire.ActionInsert:
		token, _ := msg.Get(wire.FieldToken)
		b.log.Warn("%v: endpoint %d claimed by %v (token %s)", ErrIdentityCollision, p.Endpoint, from, token)
		b.metrics.Collisions.Inc()
		b.publish(&Event{Type: EventCollision, Endpoint: p.Endpoint, Addr: from})
		b.sendARP(p.Endpoint)
	case wire.ActionARP:
		b.handleARP(msg, from)
	default:
		b.log.Debug("dropping %s from %v: own endpoint", msg.Action(), from)
	}
}

// sendARP tells the node that claimed endpoint to pick another id
func (b *Bus) sendARP(endpoint uint32) {
	msg := wire.NewAdminMessage(wire.ActionARP)
	msg.SetUint32(wire.FieldEndpoint, endpoint)
	msg.Set(wire.FieldToken, b.token)
	msg.SetUint32(wire.FieldSourceEndpoint, b.LocalEndpoint())

	if err := b.enqueue(wire.NewPacket(wire.KindAdmin, 0, msg), nil); err != nil {
		b.log.Warn("failed to queue ARP for endpoint %d: %v", endpoint, err)
	}
}

// handleARP re-inserts when an ARP names our endpoint and we are still in
// the insertion grace window. Established nodes keep their id.
func (b *Bus) handleARP(msg *wire.Message, from net.Addr) {
	endpoint, ok := msg.GetUint32(wire.FieldEndpoint)
	if !ok {
		b.log.Debug("ignoring ARP from %v without endpoint", from)
		return
	}

	b.identMu.Lock()
	local := b.endpoint
	elapsed := b.clock.Since(b.insertedAt)
	b.identMu.Unlock()

	if endpoint != local {
		b.log.Trace("ARP from %v names endpoint %d", from, endpoint)
		return
	}
	if elapsed > b.opts.insertGrace {
		b.log.Warn("%v: ARP from %v for endpoint %d after %v, keeping it", ErrIdentityCollision, from, endpoint, elapsed)
		return
	}

	b.log.Warn("%v: endpoint %d is taken by %v, re-inserting", ErrIdentityCollision, endpoint, from)
	b.publish(&Event{Type: EventCollision, Endpoint: endpoint, Addr: from})
	if err := b.Insert(); err != nil {
		b.log.Error("failed to re-insert: %v", err)
	}
}

// handleAdmin acts on an in-order admin message from peer p
func (b *Bus) handleAdmin(p *PeerState, msg *wire.Message) {
	switch action := msg.Action(); action {
	case wire.ActionInsert:
		b.log.Info("endpoint %d inserted from %v", p.Endpoint(), p.Addr())
		b.publish(&Event{Type: EventPeerInsert, Endpoint: p.Endpoint(), Addr: p.Addr()})

	case wire.ActionWithdraw:
		b.log.Info("endpoint %d withdrew", p.Endpoint())
		p.Withdraw()
		b.publish(&Event{Type: EventPeerWithdraw, Endpoint: p.Endpoint(), Addr: p.Addr()})

	case wire.ActionARP:
		b.handleARP(msg, p.Addr())

	case wire.ActionJoin, wire.ActionLeave:
		group, ok := msg.Get(wire.FieldGroup)
		if !ok || group == "" {
			b.log.Debug("endpoint %d sent %s without group", p.Endpoint(), action)
			return
		}
		group = CanonicalGroup(group)
		typ := EventJoin
		if action == wire.ActionJoin {
			p.JoinGroup(group)
		} else {
			p.LeaveGroup(group)
			typ = EventLeave
		}
		b.publish(&Event{Type: typ, Endpoint: p.Endpoint(), Addr: p.Addr(), Group: group})

	default:
		b.log.Debug("endpoint %d sent unknown admin action %q", p.Endpoint(), action)
	}
}

// announce tells peers that a local channel joined or left a public group
func (b *Bus) announce(action wire.Action, group string) {
	if b.closed.Load() {
		return
	}
	msg := wire.NewAdminMessage(action)
	msg.Set(wire.FieldGroup, group)
	if err := b.enqueue(wire.NewPacket(wire.KindAdmin, 0, msg), nil); err != nil {
		b.log.Warn("failed to announce %s %q: %v", action, group, err)
	}
}

// RemoteMembers returns the endpoints that announced group
func (b *Bus) RemoteMembers(group string) []uint32 {
	group = CanonicalGroup(group)

	b.peersMu.RLock()
	defer b.peersMu.RUnlock()

	var out []uint32
	for id, p := range b.peers {
		if p.InGroup(group) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
