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

// Package protocol defines the wire message model shared by the peer
// protocol and the rendezvous protocol: a versioned envelope carrying a
// tagged-union content, a detached signature, and the length-prefixed frame
// codec used to move envelopes over a stream.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion is the current envelope version.
const ProtocolVersion uint32 = 3

// ErrUnknownContentKind is returned when decoding an envelope whose content
// tag does not match any known MessageContent variant.
var ErrUnknownContentKind = errors.New("protocol: unknown message content kind")

// MessageContent is the tagged union carried by an Envelope. Each concrete
// type below is one variant.
type MessageContent interface {
	contentKind() contentKind
}

type contentKind uint8

const (
	kindChat contentKind = iota
	kindHandshake
	kindPeerDiscovery
	kindSignal
	kindPing
	kindPong
	kindDisconnect
)

// ChatContent is a plain-text chat message. By convention the sentinel
// "PING" text is a heartbeat and is excluded from persistence and UI events.
type ChatContent struct {
	Text string
}

func (ChatContent) contentKind() contentKind { return kindChat }

// HandshakeContent announces a peer's public key and display name
// immediately after a connection is established.
type HandshakeContent struct {
	PublicKey []byte
	NodeName  string
}

func (HandshakeContent) contentKind() contentKind { return kindHandshake }

// PeerDiscoveryContent carries a gossiped snapshot of the sender's peer
// table.
type PeerDiscoveryContent struct {
	Peers []PeerInfo
}

func (PeerDiscoveryContent) contentKind() contentKind { return kindPeerDiscovery }

// SignalContent wraps a SignalingMessage destined for, or originating from,
// the rendezvous service.
type SignalContent struct {
	Signal SignalingMessage
}

func (SignalContent) contentKind() contentKind { return kindSignal }

// PingContent is a cosmetic liveness probe distinct from ChatContent("PING").
type PingContent struct{}

func (PingContent) contentKind() contentKind { return kindPing }

// PongContent is the cosmetic reply to PingContent.
type PongContent struct{}

func (PongContent) contentKind() contentKind { return kindPong }

// DisconnectContent announces a voluntary disconnect with a human-readable
// reason.
type DisconnectContent struct {
	Reason string
}

func (DisconnectContent) contentKind() contentKind { return kindDisconnect }

// PeerInfo describes one entry of a gossiped peer table.
type PeerInfo struct {
	NodeID   string
	Address  string
	NodeName string
	LastSeen uint64
}

// Envelope is the outer message container: version, id, sender, timestamp,
// content, and the fields filled in at send time (public key, signature).
type Envelope struct {
	Version   uint32
	ID        uuid.UUID
	Sender    string
	PublicKey []byte
	Timestamp uint64
	Content   MessageContent
	Signature []byte
}

// NewEnvelope builds an envelope with the current version, a fresh v4 UUID,
// and the current UNIX timestamp. PublicKey and Signature are left empty
// until the caller signs it (see the engine's signAndSend).
func NewEnvelope(sender string, content MessageContent) Envelope {
	return Envelope{
		Version:   ProtocolVersion,
		ID:        uuid.New(),
		Sender:    sender,
		Timestamp: uint64(time.Now().Unix()),
		Content:   content,
	}
}

// NewSignalEnvelope is a convenience constructor for a Signal(...) content.
func NewSignalEnvelope(sender string, signal SignalingMessage) Envelope {
	return NewEnvelope(sender, SignalContent{Signal: signal})
}

// SigHash computes the signature domain:
//
//	version(LE u32) || id (16 bytes) || sender (UTF-8) || timestamp(LE u64) || encoded(content)
//
// PublicKey and Signature are excluded — they are the signature's own
// inputs and output.
func (e Envelope) SigHash() ([]byte, error) {
	contentBytes, err := encodeContent(e.Content)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], e.Version)
	buf.Write(u32[:])
	idBytes := e.ID
	buf.Write(idBytes[:])
	buf.WriteString(e.Sender)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], e.Timestamp)
	buf.Write(u64[:])
	buf.Write(contentBytes)
	return buf.Bytes(), nil
}

// wireEnvelope is the msgpack-level shape of an Envelope: MessageContent is
// an interface, so it is split into a discriminant tag and an opaque
// payload, the way bincode discriminates a Rust enum over the wire.
type wireEnvelope struct {
	Version     uint32
	ID          uuid.UUID
	Sender      string
	PublicKey   []byte
	Timestamp   uint64
	ContentKind contentKind
	Content     []byte
	Signature   []byte
}

func encodeContent(content MessageContent) ([]byte, error) {
	return msgpack.Marshal(content)
}

// MarshalBinary implements the encoding used both for persistence
// (Store.PersistMessage) and for on-wire framing (Codec.WriteEnvelope).
func (e Envelope) MarshalBinary() ([]byte, error) {
	contentBytes, err := encodeContent(e.Content)
	if err != nil {
		return nil, err
	}
	wire := wireEnvelope{
		Version:     e.Version,
		ID:          e.ID,
		Sender:      e.Sender,
		PublicKey:   e.PublicKey,
		Timestamp:   e.Timestamp,
		ContentKind: e.Content.contentKind(),
		Content:     contentBytes,
		Signature:   e.Signature,
	}
	return msgpack.Marshal(&wire)
}

// UnmarshalEnvelope is the inverse of MarshalBinary.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return Envelope{}, err
	}

	content, err := decodeContent(wire.ContentKind, wire.Content)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Version:   wire.Version,
		ID:        wire.ID,
		Sender:    wire.Sender,
		PublicKey: wire.PublicKey,
		Timestamp: wire.Timestamp,
		Content:   content,
		Signature: wire.Signature,
	}, nil
}

func decodeContent(kind contentKind, raw []byte) (MessageContent, error) {
	switch kind {
	case kindChat:
		var c ChatContent
		return c, msgpack.Unmarshal(raw, &c)
	case kindHandshake:
		var c HandshakeContent
		return c, msgpack.Unmarshal(raw, &c)
	case kindPeerDiscovery:
		var c PeerDiscoveryContent
		return c, msgpack.Unmarshal(raw, &c)
	case kindSignal:
		var c SignalContent
		return c, msgpack.Unmarshal(raw, &c)
	case kindPing:
		return PingContent{}, nil
	case kindPong:
		return PongContent{}, nil
	case kindDisconnect:
		var c DisconnectContent
		return c, msgpack.Unmarshal(raw, &c)
	default:
		return nil, ErrUnknownContentKind
	}
}
