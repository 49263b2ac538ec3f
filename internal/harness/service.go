package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/roach88/busprobe/internal/bus"
)

// Service is the system under test. The driver starts it before the
// scenario runs and stops it afterwards.
type Service interface {
	Start(ctx context.Context, transport bus.Transport) error
	Stop(ctx context.Context) error
}

// FuncService runs an in-process service on its own bus connection.
type FuncService struct {
	// Ready runs synchronously in Start, typically to claim names. The
	// scenario starts only after it returned.
	Ready func(ctx context.Context, conn bus.Conn) error

	// Serve runs in the background until its context is cancelled by Stop.
	Serve func(ctx context.Context, conn bus.Conn) error

	mu     sync.Mutex
	conn   bus.Conn
	cancel context.CancelFunc
	done   chan error
}

// Start connects and runs Ready, then Serve in the background.
func (s *FuncService) Start(ctx context.Context, transport bus.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return errors.New("service already started")
	}
	conn, err := transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("service connect: %w", err)
	}
	if s.Ready != nil {
		if err := s.Ready(ctx, conn); err != nil {
			_ = conn.Close()
			return fmt.Errorf("service ready: %w", err)
		}
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.conn, s.cancel, s.done = conn, cancel, make(chan error, 1)
	go func() {
		if s.Serve == nil {
			<-serveCtx.Done()
			s.done <- nil
			return
		}
		s.done <- s.Serve(serveCtx, conn)
	}()
	return nil
}

// Stop cancels Serve, closes the connection and returns the Serve error.
func (s *FuncService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	s.cancel()
	closeErr := s.conn.Close()

	var serveErr error
	select {
	case serveErr = <-s.done:
	case <-ctx.Done():
		serveErr = fmt.Errorf("service stop: %w", ctx.Err())
	}
	s.conn = nil
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return errors.Join(serveErr, closeErr)
}

// ExecService runs the service under test as a child process. The bus
// address is passed in DBUS_SESSION_BUS_ADDRESS; the transport must be
// reachable from another process.
type ExecService struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Settle is how long Start waits after launching before the scenario
	// runs.
	Settle time.Duration

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// Start launches the process.
func (s *ExecService) Start(ctx context.Context, transport bus.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("service already started")
	}
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), "DBUS_SESSION_BUS_ADDRESS="+transport.Address())
	cmd.Dir = s.Dir
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.Path, err)
	}
	s.logger().Info("service started", "path", s.Path, "pid", cmd.Process.Pid)

	s.cmd = cmd
	s.done = make(chan error, 1)
	go func() { s.done <- cmd.Wait() }()

	if s.Settle > 0 {
		select {
		case <-time.After(s.Settle):
		case err := <-s.done:
			s.done <- err
			return fmt.Errorf("service %s exited during startup: %w", s.Path, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop sends SIGTERM and waits for the process to exit; it is killed when
// ctx is done first.
func (s *ExecService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	cmd := s.cmd
	s.cmd = nil

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-s.done:
		s.logger().Info("service stopped", "path", s.Path, "error", err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				return nil
			}
		}
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-s.done
		return fmt.Errorf("service %s killed: %w", s.Path, ctx.Err())
	}
}

func (s *ExecService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
