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

// Package extaddr discovers this node's externally visible address by
// asking a public STUN server for the mapped address of its own request.
// The lookup is a blocking round trip; the functions here block their
// caller, and the engine runs its query on a goroutine of its own.
package extaddr

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// DefaultServer is used when no STUN server is configured: a well-known
// public STUN server.
const DefaultServer = "stun.l.google.com:19302"

// QueryTimeout bounds a single STUN round trip.
const QueryTimeout = 5 * time.Second

// maxSTUNMessageSize comfortably bounds a UDP STUN response datagram.
const maxSTUNMessageSize = 1500

// Discoverer holds the most recently discovered external address and
// refreshes it on demand, guarding the cached value behind a RWMutex for
// cheap concurrent reads.
type Discoverer struct {
	server    string
	localPort int

	mu   sync.RWMutex
	addr string
}

// New returns a Discoverer that queries server (or DefaultServer, if
// empty) from localPort, the same port the node listens on.
func New(server string, localPort int) *Discoverer {
	if server == "" {
		server = DefaultServer
	}
	return &Discoverer{server: server, localPort: localPort}
}

// Addr returns the last successfully discovered external address, or "" if
// none has completed yet.
func (d *Discoverer) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addr
}

// Refresh performs one blocking STUN query and updates the cached address
// on success. Callers that want this off the calling goroutine should wrap
// the call in `go`.
func (d *Discoverer) Refresh() (string, error) {
	addr, err := Query(d.server, d.localPort)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
	return addr, nil
}

// Query performs a single STUN binding request against server over UDP,
// binding the local end to 0.0.0.0:localPort (the same port the node
// listens for TCP peers on) so the NAT mapping it discovers is the mapping
// that DialPunch/ListenReusable can actually use for hole-punching, not the
// mapping of a throwaway ephemeral port. Mirrors FighterSocket::
// discover_public_ip in the original, which binds before querying.
func Query(server string, localPort int) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", fmt.Errorf("extaddr: resolve %s: %w", server, err)
	}
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: localPort}

	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return "", fmt.Errorf("extaddr: dial %s from :%d: %w", server, localPort, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(QueryTimeout)); err != nil {
		return "", fmt.Errorf("extaddr: set deadline: %w", err)
	}

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(request.Raw); err != nil {
		return "", fmt.Errorf("extaddr: send binding request: %w", err)
	}

	buf := make([]byte, maxSTUNMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("extaddr: read response: %w", err)
	}

	response := &stun.Message{Raw: buf[:n]}
	if err := response.Decode(); err != nil {
		return "", fmt.Errorf("extaddr: decode response: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		return "", fmt.Errorf("extaddr: read xor-mapped-address: %w", err)
	}

	return fmt.Sprintf("%s:%d", xorAddr.IP.String(), xorAddr.Port), nil
}
