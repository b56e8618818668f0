package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	codec := NewCodec(buf)

	sent := NewEnvelope("node-a", ChatContent{Text: "over the wire"})
	require.NoError(t, codec.WriteEnvelope(sent))

	received, err := codec.ReadEnvelope()
	require.NoError(t, err)

	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, sent.Sender, received.Sender)
	assert.Equal(t, sent.Content, received.Content)
}

func TestCodecMultipleFramesInOrder(t *testing.T) {
	buf := new(bytes.Buffer)
	codec := NewCodec(buf)

	first := NewEnvelope("node-a", ChatContent{Text: "one"})
	second := NewEnvelope("node-a", ChatContent{Text: "two"})

	require.NoError(t, codec.WriteEnvelope(first))
	require.NoError(t, codec.WriteEnvelope(second))

	got1, err := codec.ReadEnvelope()
	require.NoError(t, err)
	got2, err := codec.ReadEnvelope()
	require.NoError(t, err)

	assert.Equal(t, first.ID, got1.ID)
	assert.Equal(t, second.ID, got2.ID)
}

func TestCodecRejectsOversizeFrame(t *testing.T) {
	buf := new(bytes.Buffer)
	codec := NewCodec(buf)

	var header [frameHeaderSize]byte
	// Declare a payload length far beyond MaxFrameSize; the reader must
	// reject this before attempting to allocate or read it.
	oversize := uint32(MaxFrameSize) + 1024
	header[0] = byte(oversize >> 24)
	header[1] = byte(oversize >> 16)
	header[2] = byte(oversize >> 8)
	header[3] = byte(oversize)
	header[4] = FrameVersion
	header[5] = FrameFlags
	buf.Write(header[:])

	_, err := codec.ReadEnvelope()
	assert.ErrorIs(t, err, ErrOversizeFrame)
}

func TestCodecRejectsBadVersion(t *testing.T) {
	buf := new(bytes.Buffer)
	codec := NewCodec(buf)

	var header [frameHeaderSize]byte
	header[0], header[1], header[2], header[3] = 0, 0, 0, 2
	header[4] = FrameVersion + 1
	header[5] = FrameFlags
	buf.Write(header[:])

	_, err := codec.ReadEnvelope()
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestCodecReadEnvelopeEOFOnEmptyStream(t *testing.T) {
	buf := new(bytes.Buffer)
	codec := NewCodec(buf)

	_, err := codec.ReadEnvelope()
	assert.Error(t, err)
}
