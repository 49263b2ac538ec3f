package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

// Responder answers a method call on arrival. A nil error sends a method
// return with the values; an *Error sends that error; any other error sends
// org.freedesktop.DBus.Error.Failed.
type Responder func(ev *ir.Event) ([]any, error)

type handler struct {
	id      int
	pattern pattern.Pattern
	respond Responder
}

type callInfo struct {
	iface  string
	member string
	path   string
}

// Adapter translates bus traffic into events and performs the outbound
// operations scenarios need.
type Adapter struct {
	conn   Conn
	log    *eventlog.Log
	logger *slog.Logger

	// mu guards the bookkeeping below. Outbound sends that register a serial
	// hold it across Send so the receive loop never sees the answer first.
	mu       sync.Mutex
	emitted  map[uint32]struct{}
	calls    map[uint32]callInfo
	syncs    map[uint32]chan struct{}
	handlers []*handler
	nextID   int

	closeOnce sync.Once
	done      chan struct{}
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger. Every translated message is logged at
// debug level.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter starts receiving from conn into log.
func NewAdapter(conn Conn, log *eventlog.Log, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		conn:    conn,
		log:     log,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		emitted: make(map[uint32]struct{}),
		calls:   make(map[uint32]callInfo),
		syncs:   make(map[uint32]chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.receive()
	return a
}

// Log returns the event log the adapter appends to.
func (a *Adapter) Log() *eventlog.Log {
	return a.log
}

// UniqueName returns the unique name of the underlying connection.
func (a *Adapter) UniqueName() string {
	return a.conn.UniqueName()
}

func (a *Adapter) receive() {
	defer close(a.done)
	for msg := range a.conn.Messages() {
		a.dispatch(msg)
	}
}

func (a *Adapter) dispatch(msg *Message) {
	a.mu.Lock()
	if msg.Type == TypeSignal && msg.Sender == a.conn.UniqueName() {
		if _, ok := a.emitted[msg.Serial]; ok {
			delete(a.emitted, msg.Serial)
			a.mu.Unlock()
			return
		}
	}

	if msg.Type == TypeMethodReturn || msg.Type == TypeError {
		if ch, ok := a.syncs[msg.ReplySerial]; ok {
			delete(a.syncs, msg.ReplySerial)
			close(ch)
			a.mu.Unlock()
			return
		}
	}

	ev := toEvent(msg)
	if ev.Kind == ir.KindMethodReturn || ev.Kind == ir.KindMethodError {
		if info, ok := a.calls[msg.ReplySerial]; ok {
			ev.Interface, ev.Member, ev.Path = info.iface, info.member, info.path
			delete(a.calls, msg.ReplySerial)
		}
	}

	var h *handler
	if ev.Kind == ir.KindMethodCall {
		for _, cand := range a.handlers {
			if cand.pattern.Matches(ev) {
				h = cand
				break
			}
		}
	}
	a.mu.Unlock()

	if h != nil {
		a.respond(ev, h.respond)
	}

	a.logger.Debug("bus message", "type", msg.Type.String(), "event", ev.String())
	if err := a.log.Append(ev); err != nil {
		a.logger.Debug("append rejected", "error", err)
	}
}

func (a *Adapter) respond(ev *ir.Event, fn Responder) {
	values, err := fn(ev)
	if err == nil {
		err = a.Reply(ev, values...)
	} else {
		var busErr *Error
		if !errors.As(err, &busErr) {
			busErr = &Error{Name: ErrNameFailed, Message: err.Error()}
		}
		err = a.RaiseError(ev, busErr.Name, busErr.Message)
	}
	if err != nil {
		a.logger.Warn("responder could not answer", "event", ev.String(), "error", err)
	}
}

func toEvent(msg *Message) *ir.Event {
	ev := &ir.Event{
		Interface:   msg.Interface,
		Member:      msg.Member,
		Path:        msg.Path,
		Sender:      msg.Sender,
		Destination: msg.Destination,
		Serial:      msg.Serial,
		ReplySerial: msg.ReplySerial,
		ErrorName:   msg.ErrorName,
		Args:        msg.Body,
		Raw:         msg,
	}
	switch msg.Type {
	case TypeMethodCall:
		ev.Kind = ir.KindMethodCall
	case TypeMethodReturn:
		ev.Kind = ir.KindMethodReturn
	case TypeError:
		ev.Kind = ir.KindMethodError
	case TypeSignal:
		ev.Kind = ir.KindSignal
		if msg.Interface == BusInterface && msg.Member == "NameOwnerChanged" {
			ev.Kind = ir.KindNameOwnerChanged
		}
	}
	return ev
}

func callMessage(ev *ir.Event) (*Message, error) {
	if ev == nil || ev.Kind != ir.KindMethodCall {
		return nil, fmt.Errorf("cannot answer %v: not a method call", ev)
	}
	msg, ok := ev.Raw.(*Message)
	if !ok {
		return nil, fmt.Errorf("cannot answer %s: no transport message attached", ev)
	}
	return msg, nil
}

// Reply sends a method return for the call event ev. A second answer to the
// same call fails with DoubleReply.
func (a *Adapter) Reply(ev *ir.Event, values ...any) error {
	call, err := callMessage(ev)
	if err != nil {
		return err
	}
	if !ev.MarkHandled() {
		return eventlog.NewDoubleReplyFailure(ev, "method return")
	}
	if call.NoReply {
		return nil
	}

	_, err = a.conn.Send(&Message{
		Type:        TypeMethodReturn,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		Body:        values,
	})
	if err != nil {
		return fmt.Errorf("reply to %s: %w", call.Member, err)
	}
	return nil
}

// RaiseError sends an error reply for the call event ev. A second answer to
// the same call fails with DoubleReply.
func (a *Adapter) RaiseError(ev *ir.Event, name, message string) error {
	call, err := callMessage(ev)
	if err != nil {
		return err
	}
	if !ev.MarkHandled() {
		return eventlog.NewDoubleReplyFailure(ev, "error "+name)
	}
	if call.NoReply {
		return nil
	}

	var body []any
	if message != "" {
		body = []any{message}
	}
	_, err = a.conn.Send(&Message{
		Type:        TypeError,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		ErrorName:   name,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("raise %s on %s: %w", name, call.Member, err)
	}
	return nil
}

// EmitSignal broadcasts a signal and appends it to the log. The bus echo of
// the signal is dropped, so the log holds it exactly once.
func (a *Adapter) EmitSignal(path, iface, member string, args ...any) (*ir.Event, error) {
	a.mu.Lock()
	serial, err := a.conn.Send(&Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	})
	if err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("emit %s.%s: %w", iface, member, err)
	}
	a.emitted[serial] = struct{}{}
	a.mu.Unlock()

	ev := &ir.Event{
		Kind:      ir.KindSignal,
		Interface: iface,
		Member:    member,
		Path:      path,
		Sender:    a.conn.UniqueName(),
		Serial:    serial,
		Args:      args,
	}
	if err := a.log.Append(ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// CallAsync sends a method call and returns its serial without waiting.
// The answer is appended to the log as a method return or error event
// carrying the interface, member and path of this call.
func (a *Adapter) CallAsync(dest, path, iface, method string, args ...any) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	serial, err := a.conn.Send(&Message{
		Type:        TypeMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      method,
		Body:        args,
	})
	if err != nil {
		return 0, fmt.Errorf("call %s.%s on %s: %w", iface, method, dest, err)
	}
	a.calls[serial] = callInfo{iface: iface, member: method, path: path}
	return serial, nil
}

// Call sends a method call and waits for its answer. An error reply is
// returned as the event, not as an error.
func (a *Adapter) Call(ctx context.Context, dest, path, iface, method string, args ...any) (*ir.Event, error) {
	serial, err := a.CallAsync(dest, path, iface, method, args...)
	if err != nil {
		return nil, err
	}
	return a.log.Expect(ctx, pattern.ReplyTo(serial))
}

// Sync makes a round trip to the bus daemon and waits for the answer. The
// daemon answers in order, so every message delivered to this connection
// before the answer has been appended when Sync returns. The round trip
// itself is not logged.
func (a *Adapter) Sync(ctx context.Context) error {
	done := make(chan struct{})

	a.mu.Lock()
	serial, err := a.conn.Send(&Message{
		Type:        TypeMethodCall,
		Destination: BusName,
		Path:        BusPath,
		Interface:   BusInterface,
		Member:      "NameHasOwner",
		Body:        []any{a.conn.UniqueName()},
	})
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("sync: %w", err)
	}
	a.syncs[serial] = done
	a.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-a.done:
		return fmt.Errorf("sync: %w", ErrClosed)
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.syncs, serial)
		a.mu.Unlock()
		return fmt.Errorf("sync: %w", ctx.Err())
	}
}

// Handle answers every method call matching p with fn as soon as it
// arrives. The call is still appended to the log, already handled. The
// first matching handler wins. The returned function removes the handler.
func (a *Adapter) Handle(p pattern.Pattern, fn Responder) (remove func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	h := &handler{id: a.nextID, pattern: p, respond: fn}
	a.handlers = append(a.handlers, h)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, cand := range a.handlers {
			if cand.id == h.id {
				a.handlers = append(a.handlers[:i], a.handlers[i+1:]...)
				return
			}
		}
	}
}

// RequestName claims a well-known name on the bus.
func (a *Adapter) RequestName(ctx context.Context, name string) error {
	return a.conn.RequestName(ctx, name)
}

// ReleaseName releases a well-known name.
func (a *Adapter) ReleaseName(ctx context.Context, name string) error {
	return a.conn.ReleaseName(ctx, name)
}

// Close closes the connection and waits for the receive loop to drain.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close()
		<-a.done
	})
	return err
}
