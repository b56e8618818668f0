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

package protocol

import "github.com/vmihailenco/msgpack/v5"

// SignalingMessage is the tagged union carried inside SignalContent,
// exchanged with the rendezvous service.
type SignalingMessage interface {
	signalKind() signalKind
}

type signalKind uint8

const (
	signalRegister signalKind = iota
	signalLookupRequest
	signalPeerResponse
	signalPunchCommand
	signalError
)

// RegisterSignal announces this node's identity to the rendezvous
// directory. Signature may be empty: the in-scope directory server does
// not enforce it (spec open question 3).
type RegisterSignal struct {
	NodeID    string
	PublicKey []byte
	Signature []byte
}

func (RegisterSignal) signalKind() signalKind { return signalRegister }

// LookupRequestSignal asks the directory for a target node's last-known
// public address.
type LookupRequestSignal struct {
	TargetID string
}

func (LookupRequestSignal) signalKind() signalKind { return signalLookupRequest }

// PeerResponseSignal is the directory's answer to a lookup.
type PeerResponseSignal struct {
	PeerID     string
	PublicAddr string
}

func (PeerResponseSignal) signalKind() signalKind { return signalPeerResponse }

// PunchCommandSignal would synchronize a simultaneous-open attempt between
// two peers. Defined for wire compatibility; not consumed by this module's
// engine (spec open question 2).
type PunchCommandSignal struct {
	TargetAddr  string
	TimestampNs uint64
}

func (PunchCommandSignal) signalKind() signalKind { return signalPunchCommand }

// ErrorSignal carries a human-readable error from the directory server.
type ErrorSignal struct {
	Message string
}

func (ErrorSignal) signalKind() signalKind { return signalError }

type wireSignal struct {
	Kind    signalKind
	Payload []byte
}

func (s SignalContent) MarshalMsgpack() ([]byte, error) {
	payload, err := msgpack.Marshal(s.Signal)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&wireSignal{Kind: s.Signal.signalKind(), Payload: payload})
}

func (s *SignalContent) UnmarshalMsgpack(data []byte) error {
	var wire wireSignal
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return err
	}
	signal, err := decodeSignal(wire.Kind, wire.Payload)
	if err != nil {
		return err
	}
	s.Signal = signal
	return nil
}

func decodeSignal(kind signalKind, raw []byte) (SignalingMessage, error) {
	switch kind {
	case signalRegister:
		var s RegisterSignal
		return s, msgpack.Unmarshal(raw, &s)
	case signalLookupRequest:
		var s LookupRequestSignal
		return s, msgpack.Unmarshal(raw, &s)
	case signalPeerResponse:
		var s PeerResponseSignal
		return s, msgpack.Unmarshal(raw, &s)
	case signalPunchCommand:
		var s PunchCommandSignal
		return s, msgpack.Unmarshal(raw, &s)
	case signalError:
		var s ErrorSignal
		return s, msgpack.Unmarshal(raw, &s)
	default:
		return nil, ErrUnknownContentKind
	}
}
