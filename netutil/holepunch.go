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

// Package netutil provides the address/port-reuse socket used for TCP
// simultaneous-open hole punching: both sides bind their already-known
// local listening port before dialing out, so the outbound SYN and the
// inbound SYN can cross a NAT's mapping in both directions at once.
package netutil

import (
	"fmt"
	"net"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
)

// PunchDialTimeout bounds a single simultaneous-open attempt.
const PunchDialTimeout = 5 * time.Second

// ListenReusable binds localAddr (host:port) for both accepting inbound
// connections and, later, dialing outbound ones from the same port.
func ListenReusable(localAddr string) (net.Listener, error) {
	ln, err := reuseport.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("netutil: reusable listen %s: %w", localAddr, err)
	}
	return ln, nil
}

// DialPunch dials remoteAddr from localAddr, reusing localAddr's socket so
// the dial races the remote peer's own outbound SYN through the NAT
// mapping opened by the local listener. A single attempt is bounded by
// PunchDialTimeout; retries are the caller's responsibility (the engine's
// dial path makes one punch attempt and, if it fails, falls back to a
// plain dial from an ephemeral port).
func DialPunch(localAddr, remoteAddr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := reuseport.Dial("tcp", localAddr, remoteAddr)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("netutil: punch dial %s -> %s: %w", localAddr, remoteAddr, r.err)
		}
		return r.conn, nil
	case <-time.After(PunchDialTimeout):
		return nil, fmt.Errorf("netutil: punch dial %s -> %s: %w", localAddr, remoteAddr, errDialTimeout)
	}
}

var errDialTimeout = fmt.Errorf("timed out")
