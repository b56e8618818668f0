package extaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewUsesDefaultServerWhenEmpty(t *testing.T) {
	d := New("", 0)
	assert.Equal(t, DefaultServer, d.server)
}

func TestNewKeepsExplicitServer(t *testing.T) {
	d := New("stun.example.org:3478", 0)
	assert.Equal(t, "stun.example.org:3478", d.server)
}

func TestAddrEmptyBeforeFirstRefresh(t *testing.T) {
	d := New(DefaultServer, 0)
	assert.Equal(t, "", d.Addr())
}

func TestQueryUnreachableServerFails(t *testing.T) {
	// Port 1 on a TEST-NET address never answers; the dial or read should
	// fail well before the caller's own timeout elsewhere in the system.
	// localPort 0 lets the kernel pick an ephemeral source port, since the
	// test isn't exercising the bound-to-listen-port behavior.
	_, err := Query("192.0.2.1:1", 0)
	assert.Error(t, err)
}
