package netutil

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenReusableAcceptsConnections(t *testing.T) {
	ln, err := ListenReusable("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case peer := <-accepted:
		defer peer.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
}

func TestDialPunchFailsFastOnUnreachableAddress(t *testing.T) {
	_, err := DialPunch("127.0.0.1:0", "127.0.0.1:1")
	assert.Error(t, err)
}
