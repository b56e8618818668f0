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

// Package signaling implements both sides of the rendezvous protocol: the
// Client a node runs to register itself and request lookups, and the
// Directory server that holds the registry and answers lookups.
package signaling

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineld/sentinel/protocol"
)

// ReconnectDelay is how long the client waits after a failed or dropped
// connection before retrying, matching the original's 5-second retry loop.
const ReconnectDelay = 5 * time.Second

// Client maintains a connection to a rendezvous directory: it registers
// this node's id/public key, forwards outbound signaling envelopes
// (lookup requests), and invokes onPeerResponse whenever the directory
// resolves a lookup.
type Client struct {
	addr       string
	nodeID     string
	publicKey  []byte
	outbound   <-chan protocol.Envelope
	onResponse func(publicAddr string)
	done       chan struct{}
}

// NewClient builds a rendezvous client. outbound carries envelopes the
// caller wants forwarded to the directory (lookup requests); onResponse is
// invoked once per PeerResponseSignal received.
func NewClient(addr, nodeID string, publicKey []byte, outbound <-chan protocol.Envelope, onResponse func(publicAddr string)) *Client {
	return &Client{
		addr:       addr,
		nodeID:     nodeID,
		publicKey:  publicKey,
		outbound:   outbound,
		onResponse: onResponse,
		done:       make(chan struct{}),
	}
}

// Stop ends the client's reconnect loop after its current attempt.
func (c *Client) Stop() {
	close(c.done)
}

// Run connects, registers, and services outbound/inbound signaling traffic
// until Stop is called, reconnecting every ReconnectDelay on any failure.
func (c *Client) Run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.runOnce(); err != nil {
			log.Debug().Err(err).Str("signaler", c.addr).Msg("signaler connection ended")
		}

		select {
		case <-c.done:
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

func (c *Client) runOnce() error {
	conn, err := net.DialTimeout("tcp", c.addr, ReconnectDelay)
	if err != nil {
		return err
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)

	register := protocol.NewSignalEnvelope(c.nodeID, protocol.RegisterSignal{
		NodeID:    c.nodeID,
		PublicKey: c.publicKey,
	})
	if err := codec.WriteEnvelope(register); err != nil {
		return err
	}

	inbound := make(chan protocol.Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			env, err := codec.ReadEnvelope()
			if err != nil {
				readErr <- err
				close(inbound)
				return
			}
			inbound <- env
		}
	}()

	for {
		select {
		case <-c.done:
			return nil
		case env, ok := <-inbound:
			if !ok {
				return <-readErr
			}
			c.handleInbound(env)
		case env := <-c.outbound:
			if err := codec.WriteEnvelope(env); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleInbound(env protocol.Envelope) {
	signal, ok := env.Content.(protocol.SignalContent)
	if !ok {
		return
	}
	switch s := signal.Signal.(type) {
	case protocol.PeerResponseSignal:
		if c.onResponse != nil {
			c.onResponse(s.PublicAddr)
		}
	case protocol.ErrorSignal:
		log.Debug().Str("signaler", c.addr).Str("error", s.Message).Msg("signaler reported an error")
	}
}
