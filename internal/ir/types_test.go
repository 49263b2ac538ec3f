package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_StringRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindMethodCall, KindMethodReturn, KindMethodError, KindSignal, KindNameOwnerChanged, KindSynthetic} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := ParseKind("telepathy")
	assert.Error(t, err)
}

func TestEvent_MarkHandledOnce(t *testing.T) {
	ev := &Event{Kind: KindMethodCall, Member: "Ping"}
	assert.False(t, ev.Handled())
	assert.True(t, ev.MarkHandled())
	assert.True(t, ev.Handled())
	assert.False(t, ev.MarkHandled(), "second mark must report already handled")
}

func TestEvent_Field(t *testing.T) {
	ev := &Event{
		Kind:        KindSignal,
		Interface:   "org.example.Peer",
		Member:      "Changed",
		Path:        "/org/example/Peer",
		Sender:      ":1.1",
		Serial:      9,
		ReplySerial: 0,
		Args:        []any{"a"},
	}

	v, ok := ev.Field("member")
	require.True(t, ok)
	assert.Equal(t, "Changed", v)

	v, ok = ev.Field("kind")
	require.True(t, ok)
	assert.Equal(t, "signal", v)

	v, ok = ev.Field("serial")
	require.True(t, ok)
	assert.Equal(t, uint32(9), v)

	_, ok = ev.Field("colour")
	assert.False(t, ok)

	for _, name := range FieldNames {
		_, ok := ev.Field(name)
		assert.True(t, ok, name)
	}
}

func TestEvent_StringIncludesFields(t *testing.T) {
	ev := &Event{
		Seq:       3,
		Kind:      KindMethodCall,
		Interface: "org.example.Peer",
		Member:    "Ping",
		Path:      "/org/example/Peer",
		Sender:    ":1.2",
		Serial:    4,
		Args:      []any{"x", uint32(2)},
	}
	s := ev.String()
	assert.Contains(t, s, "#3 method_call org.example.Peer.Ping")
	assert.Contains(t, s, "path=/org/example/Peer")
	assert.Contains(t, s, "sender=:1.2")
	assert.Contains(t, s, `args=["x",2]`)
	assert.Contains(t, s, "handled=false")
}
