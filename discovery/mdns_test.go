package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeIDFromText(t *testing.T) {
	assert.Equal(t, "abcd1234", nodeIDFromText([]string{"node_id=abcd1234"}))
}

func TestNodeIDFromTextMissing(t *testing.T) {
	assert.Equal(t, "", nodeIDFromText([]string{"lo=1", "la=2"}))
}

func TestNodeIDFromTextEmptyInput(t *testing.T) {
	assert.Equal(t, "", nodeIDFromText(nil))
}
