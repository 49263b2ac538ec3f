package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDigest_Stable(t *testing.T) {
	a := &Event{Seq: 1, Kind: KindSignal, Member: "Changed", Args: []any{uint32(1)}}
	b := &Event{Seq: 1, Kind: KindSignal, Member: "Changed", Args: []any{int64(1)}, Raw: "handle"}

	da, err := EventDigest(a)
	require.NoError(t, err)
	db, err := EventDigest(b)
	require.NoError(t, err)

	assert.Len(t, da, 64)
	assert.Equal(t, da, db, "digest ignores integer width and the raw handle")
}

func TestEventDigest_IgnoresHandled(t *testing.T) {
	ev := &Event{Seq: 2, Kind: KindMethodCall, Member: "Ping"}
	before, err := EventDigest(ev)
	require.NoError(t, err)
	ev.MarkHandled()
	after, err := EventDigest(ev)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEventDigest_DiffersBySeq(t *testing.T) {
	d1, err := EventDigest(&Event{Seq: 1, Kind: KindSynthetic})
	require.NoError(t, err)
	d2, err := EventDigest(&Event{Seq: 2, Kind: KindSynthetic})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestEventObject_OmitsEmptyFields(t *testing.T) {
	obj, err := EventObject(&Event{Seq: 5, Kind: KindSynthetic, Member: "Marker"})
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"seq":    IRInt(5),
		"kind":   IRString("synthetic"),
		"member": IRString("Marker"),
		"args":   IRArray{},
	}, obj)
}

func TestTraceDigest_DomainSeparated(t *testing.T) {
	assert.NotEqual(t, TraceDigest([]byte("x")), hashWithDomain(DomainEvent, []byte("x")))
}
