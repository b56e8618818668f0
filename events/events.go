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

// Package events defines the externally observable events a running engine
// emits, for a UI or CLI to consume without reaching into engine internals.
package events

// Kind discriminates the Event variants.
type Kind uint8

const (
	PeerConnected Kind = iota
	PeerDisconnected
	ChatMessage
	SystemLog
)

// Event is the single externally observable event type; only the fields
// relevant to Kind are populated.
type Event struct {
	Kind Kind

	// PeerConnected / PeerDisconnected
	PeerAddr string
	NodeID   string

	// ChatMessage
	Sender string
	Text   string

	// SystemLog
	Message string
}

// Connected builds a PeerConnected event.
func Connected(peerAddr, nodeID string) Event {
	return Event{Kind: PeerConnected, PeerAddr: peerAddr, NodeID: nodeID}
}

// Disconnected builds a PeerDisconnected event.
func Disconnected(peerAddr, nodeID string) Event {
	return Event{Kind: PeerDisconnected, PeerAddr: peerAddr, NodeID: nodeID}
}

// Chat builds a ChatMessage event.
func Chat(sender, text string) Event {
	return Event{Kind: ChatMessage, Sender: sender, Text: text}
}

// Log builds a SystemLog event.
func Log(message string) Event {
	return Event{Kind: SystemLog, Message: message}
}

// Bus is a fan-out-free event channel: one producer side (the engine),
// one consumer side (a UI or CLI loop). Capacity is generous so the engine
// never blocks on a slow consumer under normal operation.
type Bus chan Event

// NewBus creates a buffered event channel.
func NewBus(capacity int) Bus {
	return make(Bus, capacity)
}

// Emit sends ev without blocking; if the buffer is full the event is
// dropped rather than stalling the engine, matching the original's
// unbounded-channel-as-best-effort behavior (a UI that isn't keeping up
// loses cosmetic events, not protocol correctness).
func (b Bus) Emit(ev Event) {
	select {
	case b <- ev:
	default:
	}
}
