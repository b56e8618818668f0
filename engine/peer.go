// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package engine

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineld/sentinel/protocol"
)

// peerConn is one established, authenticated-at-the-app-layer connection to
// a remote node. It owns a readLoop goroutine (decode frames, hand them to
// the engine) and a sendLoop goroutine (drain a pending-envelope queue onto
// the wire), the same split the teacher's agent-tcp package uses for its
// consensus peers.
type peerConn struct {
	addr  string
	conn  net.Conn
	codec *protocol.Codec

	nodeID   string
	nodeName string

	mu       sync.Mutex
	lastSeen time.Time

	pending []protocol.Envelope
	notify  chan struct{}

	die     chan struct{}
	dieOnce sync.Once
}

func newPeerConn(addr string, conn net.Conn) *peerConn {
	p := &peerConn{
		addr:     addr,
		conn:     conn,
		codec:    protocol.NewCodec(conn),
		nodeID:   "pending",
		lastSeen: time.Now(),
		notify:   make(chan struct{}, 1),
		die:      make(chan struct{}),
	}
	return p
}

// send enqueues env for delivery and wakes the sendLoop.
func (p *peerConn) send(env protocol.Envelope) {
	p.mu.Lock()
	p.pending = append(p.pending, env)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// touch marks the connection as recently alive, called on every inbound
// message regardless of content.
func (p *peerConn) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *peerConn) idleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen)
}

func (p *peerConn) setIdentity(nodeID, nodeName string) {
	p.mu.Lock()
	p.nodeID = nodeID
	p.nodeName = nodeName
	p.mu.Unlock()
}

func (p *peerConn) identity() (nodeID, nodeName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID, p.nodeName
}

// close terminates the connection exactly once.
func (p *peerConn) close() {
	p.dieOnce.Do(func() {
		p.conn.Close()
		close(p.die)
	})
}

// readLoop decodes frames until the connection fails, dispatching each to
// handle.
func (p *peerConn) readLoop(handle func(env protocol.Envelope)) {
	defer p.close()
	for {
		env, err := p.codec.ReadEnvelope()
		if err != nil {
			return
		}
		select {
		case <-p.die:
			return
		default:
		}
		handle(env)
	}
}

// sendLoop drains the pending queue onto the wire whenever notified.
func (p *peerConn) sendLoop() {
	defer p.close()
	for {
		select {
		case <-p.die:
			return
		case <-p.notify:
			p.mu.Lock()
			batch := p.pending
			p.pending = nil
			p.mu.Unlock()

			for _, env := range batch {
				if err := p.codec.WriteEnvelope(env); err != nil {
					log.Debug().Str("peer", p.addr).Err(err).Msg("peer write failed")
					return
				}
			}
		}
	}
}
