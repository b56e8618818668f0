package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	id1, err := LoadOrGenerate(path)
	require.NoError(t, err)

	sig := id1.Sign([]byte("hello"))

	id2, err := LoadOrGenerate(path)
	require.NoError(t, err)

	assert.Equal(t, id1.NodeID(), id2.NodeID())
	assert.True(t, Verify([]byte("hello"), sig, id2.PublicKeyBytes()))
}

func TestGenerateNew(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	sig := id.Sign([]byte("test"))
	assert.True(t, Verify([]byte("test"), sig, id.PublicKeyBytes()))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	idA, err := Generate()
	require.NoError(t, err)
	idB, err := Generate()
	require.NoError(t, err)

	sig := idA.Sign([]byte("forge me"))
	assert.False(t, Verify([]byte("forge me"), sig, idB.PublicKeyBytes()))
}

func TestLoadRejectsBadLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("too-short"), 0o600))

	_, err := LoadOrGenerate(path)
	assert.ErrorIs(t, err, ErrKeyLength)
}
