package harness

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/busprobe/internal/bus"
)

func TestExecService_PassesBusAddress(t *testing.T) {
	out := &bytes.Buffer{}
	svc := &ExecService{
		Path:   "/bin/sh",
		Args:   []string{"-c", `echo "$DBUS_SESSION_BUS_ADDRESS $EXTRA"; exec sleep 10`},
		Env:    []string{"EXTRA=yes"},
		Settle: 100 * time.Millisecond,
		Stdout: out,
	}

	require.NoError(t, svc.Start(context.Background(), bus.NewMemoryBus()))
	require.Error(t, svc.Start(context.Background(), bus.NewMemoryBus()), "second start is refused")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx), "termination by SIGTERM is a clean stop")
	assert.Equal(t, "memory: yes\n", out.String())

	require.NoError(t, svc.Stop(ctx), "stop is idempotent")
}

func TestExecService_ExitDuringStartup(t *testing.T) {
	svc := &ExecService{
		Path:   "/bin/sh",
		Args:   []string{"-c", "exit 3"},
		Settle: 2 * time.Second,
	}

	err := svc.Start(context.Background(), bus.NewMemoryBus())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
}

func TestExecService_MissingBinary(t *testing.T) {
	svc := &ExecService{Path: "/nonexistent/busprobe-service"}
	err := svc.Start(context.Background(), bus.NewMemoryBus())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start /nonexistent/busprobe-service")
}
