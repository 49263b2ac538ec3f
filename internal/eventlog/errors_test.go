package eventlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/busprobe/internal/ir"
)

func TestFailure_Helpers(t *testing.T) {
	ev := &ir.Event{Seq: 3, Kind: ir.KindMethodCall, Member: "Ping"}

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  FailureCode
	}{
		{"timeout", NewTimeoutFailure([]string{"kind == signal"}, "1s", 0), IsTimeout, CodeTimeout},
		{"forbidden", NewForbiddenFailure(ev, "kind == method_call"), IsForbidden, CodeForbiddenEvent},
		{"double reply", NewDoubleReplyFailure(ev, "reply"), IsDoubleReply, CodeDoubleReply},
		{"unknown peer", NewUnknownPeerFailure("org.example.Peer", "emit", "unregistered"), IsUnknownPeer, CodeUnknownPeer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			wrapped := fmt.Errorf("step 2: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.Equal(t, tt.code, CodeOf(wrapped))
		})
	}

	assert.Equal(t, FailureCode(""), CodeOf(fmt.Errorf("plain")))
}

func TestFailure_ErrorIncludesContext(t *testing.T) {
	ev := &ir.Event{Seq: 3, Kind: ir.KindSignal, Member: "Disconnect"}
	msg := NewForbiddenFailure(ev, `kind == signal && member == "Disconnect"`).Error()

	assert.Contains(t, msg, "FORBIDDEN_EVENT")
	assert.Contains(t, msg, `pattern: kind == signal && member == "Disconnect"`)
	assert.Contains(t, msg, "event: #3 signal")
}
