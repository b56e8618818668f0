package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitDeliversWithinCapacity(t *testing.T) {
	bus := NewBus(2)
	bus.Emit(Connected("10.0.0.1:8443", "abcd"))
	bus.Emit(Chat("node-a", "hello"))

	ev1 := <-bus
	ev2 := <-bus

	assert.Equal(t, PeerConnected, ev1.Kind)
	assert.Equal(t, "10.0.0.1:8443", ev1.PeerAddr)
	assert.Equal(t, ChatMessage, ev2.Kind)
	assert.Equal(t, "hello", ev2.Text)
}

func TestEmitDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	bus.Emit(Log("first"))
	bus.Emit(Log("second")) // dropped, buffer already full

	ev := <-bus
	assert.Equal(t, "first", ev.Message)

	select {
	case <-bus:
		t.Fatal("expected no second event")
	default:
	}
}
