package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		content MessageContent
	}{
		{"chat", ChatContent{Text: "hello overlay"}},
		{"handshake", HandshakeContent{PublicKey: []byte{1, 2, 3, 4}, NodeName: "node-a"}},
		{"peer-discovery", PeerDiscoveryContent{Peers: []PeerInfo{
			{NodeID: "abcd", Address: "10.0.0.1:8443", NodeName: "node-b", LastSeen: 0},
		}}},
		{"ping", PingContent{}},
		{"pong", PongContent{}},
		{"disconnect", DisconnectContent{Reason: "shutting down"}},
		{"signal-register", SignalContent{Signal: RegisterSignal{
			NodeID: "feed", PublicKey: []byte{9, 9}, Signature: nil,
		}}},
		{"signal-lookup", SignalContent{Signal: LookupRequestSignal{TargetID: "feed"}}},
		{"signal-peer-response", SignalContent{Signal: PeerResponseSignal{
			PeerID: "feed", PublicAddr: "1.2.3.4:9000",
		}}},
		{"signal-punch", SignalContent{Signal: PunchCommandSignal{
			TargetAddr: "1.2.3.4:9000", TimestampNs: 123456789,
		}}},
		{"signal-error", SignalContent{Signal: ErrorSignal{Message: "unknown target"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original := NewEnvelope("sender-node", tc.content)
			original.PublicKey = []byte{0xde, 0xad, 0xbe, 0xef}
			original.Signature = []byte{0xfe, 0xed, 0xfa, 0xce}

			encoded, err := original.MarshalBinary()
			require.NoError(t, err)

			decoded, err := UnmarshalEnvelope(encoded)
			require.NoError(t, err)

			assert.Equal(t, original.Version, decoded.Version)
			assert.Equal(t, original.ID, decoded.ID)
			assert.Equal(t, original.Sender, decoded.Sender)
			assert.Equal(t, original.PublicKey, decoded.PublicKey)
			assert.Equal(t, original.Timestamp, decoded.Timestamp)
			assert.Equal(t, original.Signature, decoded.Signature)
			assert.Equal(t, tc.content, decoded.Content)
		})
	}
}

func TestSigHashDeterministic(t *testing.T) {
	env := NewEnvelope("sender-node", ChatContent{Text: "deterministic"})

	h1, err := env.SigHash()
	require.NoError(t, err)
	h2, err := env.SigHash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestSigHashExcludesPublicKeyAndSignature(t *testing.T) {
	env := NewEnvelope("sender-node", ChatContent{Text: "stable"})

	before, err := env.SigHash()
	require.NoError(t, err)

	env.PublicKey = []byte{1, 2, 3}
	env.Signature = []byte{4, 5, 6}

	after, err := env.SigHash()
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestSigHashChangesWithContent(t *testing.T) {
	envA := NewEnvelope("sender-node", ChatContent{Text: "first"})
	envB := envA
	envB.Content = ChatContent{Text: "second"}

	hashA, err := envA.SigHash()
	require.NoError(t, err)
	hashB, err := envB.SigHash()
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte{0xff, 0x00, 0x01})
	assert.Error(t, err)
}
