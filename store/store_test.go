package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentinel/protocol"
)

func TestPersistAndHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for i, text := range []string{"first", "second", "third"} {
		env := protocol.NewEnvelope("node-a", protocol.ChatContent{Text: text})
		env.Timestamp = uint64(1000 + i)
		require.NoError(t, s.PersistMessage(env))
	}

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 3)

	chat, ok := history[0].Content.(protocol.ChatContent)
	require.True(t, ok)
	assert.Equal(t, "third", chat.Text)
}

func TestHistoryRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		env := protocol.NewEnvelope("node-a", protocol.ChatContent{Text: "msg"})
		env.Timestamp = uint64(2000 + i)
		require.NoError(t, s.PersistMessage(env))
	}

	history, err := s.History(2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.db")

	s1, err := Open(path)
	require.NoError(t, err)
	env := protocol.NewEnvelope("node-a", protocol.ChatContent{Text: "persisted"})
	env.Timestamp = 12345
	require.NoError(t, s1.PersistMessage(env))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	history, err := s2.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	chat := history[0].Content.(protocol.ChatContent)
	assert.Equal(t, "persisted", chat.Text)
}
