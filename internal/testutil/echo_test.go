package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/busprobe/internal/bus"
)

func startEcho(t *testing.T, b *bus.MemoryBus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := b.Connect(ctx)
	require.NoError(t, err)

	echo := NewEcho()
	require.NoError(t, echo.Ready(ctx, conn))
	done := make(chan error, 1)
	go func() { done <- echo.Serve(ctx, conn) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = conn.Close()
	})
}

func call(t *testing.T, c bus.Conn, member string, args ...any) *bus.Message {
	t.Helper()
	serial, err := c.Send(&bus.Message{
		Type:        bus.TypeMethodCall,
		Destination: EchoName,
		Path:        EchoPath,
		Interface:   EchoInterface,
		Member:      member,
		Body:        args,
	})
	require.NoError(t, err)
	for {
		msg := next(t, c)
		if msg.ReplySerial == serial {
			return msg
		}
	}
}

func next(t *testing.T, c bus.Conn) *bus.Message {
	t.Helper()
	select {
	case msg := <-c.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message within 1s")
		return nil
	}
}

func TestEcho_Answers(t *testing.T) {
	b := bus.NewMemoryBus()
	startEcho(t, b)
	client, err := b.Connect(context.Background())
	require.NoError(t, err)
	defer client.Close()

	reply := call(t, client, "Ping")
	assert.Equal(t, bus.TypeMethodReturn, reply.Type)
	assert.Empty(t, reply.Body)

	reply = call(t, client, "Echo", "a", int32(7))
	assert.Equal(t, []any{"a", int32(7)}, reply.Body)

	reply = call(t, client, "Fail", "org.example.Error.Nope", "nope")
	assert.Equal(t, bus.TypeError, reply.Type)
	assert.Equal(t, "org.example.Error.Nope", reply.ErrorName)

	reply = call(t, client, "Launch")
	assert.Equal(t, bus.ErrNameUnknownMethod, reply.ErrorName)

	reply = call(t, client, "Poke", "org.example.Peer")
	assert.Equal(t, bus.ErrNameInvalidArgs, reply.ErrorName)
}

func TestEcho_PokeCallsBack(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus()
	startEcho(t, b)
	peer, err := b.Connect(ctx)
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.RequestName(ctx, "org.example.Peer"))

	serial, err := peer.Send(&bus.Message{
		Type:        bus.TypeMethodCall,
		Destination: EchoName,
		Path:        EchoPath,
		Interface:   EchoInterface,
		Member:      "Poke",
		Body:        []any{"org.example.Peer", "/org/example/Peer", "org.example.Peer", "Disconnect", "bye"},
	})
	require.NoError(t, err)

	var gotCall, gotReply bool
	for !(gotCall && gotReply) {
		msg := next(t, peer)
		switch {
		case msg.Type == bus.TypeMethodCall && msg.Member == "Disconnect":
			assert.Equal(t, []any{"bye"}, msg.Body)
			gotCall = true
		case msg.ReplySerial == serial:
			assert.Equal(t, bus.TypeMethodReturn, msg.Type)
			gotReply = true
		}
	}
}
