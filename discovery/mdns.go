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

// Package discovery finds peers on the local network segment via mDNS,
// for nodes that share a LAN and don't need the rendezvous service at all.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type this module registers and browses.
const ServiceType = "_sentinel._tcp"

// Domain is the mDNS domain searched.
const Domain = "local."

// rebrowseInterval bounds a single zeroconf.Resolver.Browse call: the
// library's mDNS query/listen cycle is restarted on this period so a
// long-lived Browse keeps noticing peers that joined after the first
// query, the same way the original's discovery loop never really "ends".
const rebrowseInterval = 30 * time.Second

// Found describes one peer discovered on the local network.
type Found struct {
	NodeID  string
	Address string
}

// Registration is a live mDNS advertisement; call Shutdown to withdraw it.
type Registration struct {
	server *zeroconf.Server
}

// Shutdown withdraws the advertisement.
func (r *Registration) Shutdown() {
	r.server.Shutdown()
}

// Register advertises this node under "node-<first 8 hex chars of nodeID>"
// on ServiceType, carrying nodeID in the TXT record so browsers can match
// an announcement back to a node without a separate lookup.
func Register(nodeID string, port int) (*Registration, error) {
	short := nodeID
	if len(short) > 8 {
		short = short[:8]
	}
	instance := fmt.Sprintf("node-%s", short)

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		[]string{"node_id=" + nodeID},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	return &Registration{server: server}, nil
}

// Browse streams every peer discovered on the local network to onFound,
// excluding selfNodeID, for as long as ctx stays alive. Unlike a single
// bounded pass, this keeps noticing peers that join the LAN after the
// caller starts browsing, mirroring the original's unbounded
// `while let Ok(event) = receiver.recv_async().await` discovery loop: a
// node running for hours should still pick up a peer that shows up an
// hour in, not only ones present in the first few seconds.
func Browse(ctx context.Context, selfNodeID string, onFound func(Found)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := browseOnce(ctx, selfNodeID, onFound); err != nil {
			return err
		}
	}
}

// browseOnce runs one zeroconf resolver cycle, bounded by
// rebrowseInterval or ctx, whichever comes first.
func browseOnce(ctx context.Context, selfNodeID string, onFound func(Found)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			nodeID := nodeIDFromText(entry.Text)
			if nodeID == "" || nodeID == selfNodeID {
				continue
			}
			addr := ""
			if len(entry.AddrIPv4) > 0 {
				addr = fmt.Sprintf("%s:%d", entry.AddrIPv4[0].String(), entry.Port)
			} else if len(entry.AddrIPv6) > 0 {
				addr = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0].String(), entry.Port)
			} else {
				continue
			}
			onFound(Found{NodeID: nodeID, Address: addr})
		}
	}()

	passCtx, cancel := context.WithTimeout(ctx, rebrowseInterval)
	defer cancel()

	if err := resolver.Browse(passCtx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("discovery: browse: %w", err)
	}

	<-passCtx.Done()
	<-done
	return nil
}

func nodeIDFromText(text []string) string {
	const prefix = "node_id="
	for _, t := range text {
		if len(t) > len(prefix) && t[:len(prefix)] == prefix {
			return t[len(prefix):]
		}
	}
	return ""
}
