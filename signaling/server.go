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

package signaling

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sentineld/sentinel/protocol"
)

// Directory is the rendezvous server's peer registry: node id to the
// observed address of its signaling connection. It does not verify
// RegisterSignal.Signature (spec open question 3): registration is
// trust-on-first-connect, the same as the original.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]string)}
}

func (d *Directory) register(nodeID, addr string) {
	d.mu.Lock()
	d.entries[nodeID] = addr
	d.mu.Unlock()
}

func (d *Directory) deregister(nodeID string) {
	d.mu.Lock()
	delete(d.entries, nodeID)
	d.mu.Unlock()
}

func (d *Directory) lookup(nodeID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.entries[nodeID]
	return addr, ok
}

// Serve listens on addr and serves the rendezvous protocol until the
// listener is closed or an unrecoverable error occurs.
func (d *Directory) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("signaling: listen %s: %w", addr, err)
	}
	defer ln.Close()

	log.Info().Str("addr", addr).Msg("rendezvous directory listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("signaling: accept: %w", err)
		}
		go d.handleConn(conn)
	}
}

func (d *Directory) handleConn(conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	first, err := codec.ReadEnvelope()
	if err != nil {
		return
	}

	signal, ok := first.Content.(protocol.SignalContent)
	if !ok {
		return
	}
	reg, ok := signal.Signal.(protocol.RegisterSignal)
	if !ok {
		return
	}

	peerAddr := conn.RemoteAddr().String()
	log.Info().Str("node_id", reg.NodeID).Str("addr", peerAddr).Msg("node registered")
	d.register(reg.NodeID, peerAddr)
	defer func() {
		d.deregister(reg.NodeID)
		log.Info().Str("node_id", reg.NodeID).Msg("node deregistered")
	}()

	for {
		env, err := codec.ReadEnvelope()
		if err != nil {
			return
		}
		d.process(codec, env, reg.NodeID)
	}
}

func (d *Directory) process(codec *protocol.Codec, env protocol.Envelope, senderID string) {
	signal, ok := env.Content.(protocol.SignalContent)
	if !ok {
		return
	}

	switch s := signal.Signal.(type) {
	case protocol.LookupRequestSignal:
		if addr, ok := d.lookup(s.TargetID); ok {
			response := protocol.NewSignalEnvelope(senderID, protocol.PeerResponseSignal{
				PeerID:     s.TargetID,
				PublicAddr: addr,
			})
			_ = codec.WriteEnvelope(response)
		} else {
			response := protocol.NewSignalEnvelope(senderID, protocol.ErrorSignal{
				Message: "peer not found",
			})
			_ = codec.WriteEnvelope(response)
		}
	default:
		log.Debug().Str("node_id", senderID).Msg("signal not yet implemented")
	}
}
