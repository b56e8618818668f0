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

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the hard cap on a frame's payload, matching the
// "prevent memory exhaustion" limit of the original codec.
const MaxFrameSize = 10 * 1024 * 1024 // 10 MiB

// frameHeaderSize is the length of the fixed frame header:
// len(u32-be) | version(u8) | flags(u8). len counts everything after
// itself, i.e. version + flags + payload.
const frameHeaderSize = 4 + 1 + 1

// FrameVersion and FrameFlags are the constant header values this codec
// writes; readers accept only this version.
const (
	FrameVersion = 1
	FrameFlags   = 0
)

// ErrOversizeFrame is returned when a frame's declared length exceeds
// MaxFrameSize; the connection must be torn down on this error.
var ErrOversizeFrame = errors.New("protocol: frame exceeds maximum size")

// ErrBadVersion is returned when a frame's header carries an unexpected
// version byte.
var ErrBadVersion = errors.New("protocol: unsupported frame version")

// Codec reads and writes framed Envelopes on a stream. It is not safe for
// concurrent use by multiple readers, nor by multiple writers — callers
// serialize their own reads and their own writes (matching spec.md's
// per-connection FIFO ordering guarantee).
type Codec struct {
	rw io.ReadWriter
}

// NewCodec wraps rw for framed envelope exchange.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// ReadEnvelope blocks until one full frame has been read, decodes its
// payload, and returns the envelope. Deserialization failures and oversize
// frames are fatal to the connection: the caller should close it.
func (c *Codec) ReadEnvelope() (Envelope, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return Envelope{}, err
	}

	frameLen := binary.BigEndian.Uint32(header[0:4])
	version := header[4]
	// flags := header[5] // reserved, unused

	if version != FrameVersion {
		return Envelope{}, ErrBadVersion
	}

	payloadLen := int(frameLen) - 2 // minus version+flags already read
	if payloadLen < 0 || payloadLen > MaxFrameSize {
		return Envelope{}, ErrOversizeFrame
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return Envelope{}, err
	}

	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode payload: %w", err)
	}
	return env, nil
}

// WriteEnvelope serializes env and writes a v1/flags=0 frame.
func (c *Codec) WriteEnvelope(env Envelope) error {
	payload, err := env.MarshalBinary()
	if err != nil {
		return fmt.Errorf("protocol: encode payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrOversizeFrame
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)+2))
	header[4] = FrameVersion
	header[5] = FrameFlags

	if _, err := c.rw.Write(header[:]); err != nil {
		return err
	}
	_, err = c.rw.Write(payload)
	return err
}
