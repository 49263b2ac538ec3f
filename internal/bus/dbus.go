package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	// SystemBusAddress is the default system bus socket.
	SystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

	// eavesdropBuffer bounds the messages godbus can queue for the reader;
	// godbus drops messages when it is full.
	eavesdropBuffer = 4096
)

// DBusTransport connects to a D-Bus daemon with github.com/godbus/dbus/v5.
//
// Connections run in eavesdrop mode: godbus hands every inbound message to
// the connection instead of dispatching it, and replies to the calls the
// connection makes to the bus daemon are demultiplexed here.
type DBusTransport struct {
	address string
	logger  *slog.Logger
}

// DBusOption configures a DBusTransport.
type DBusOption func(*DBusTransport)

// WithDBusLogger sets the logger.
func WithDBusLogger(logger *slog.Logger) DBusOption {
	return func(t *DBusTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewDBusTransport creates a transport for the bus at address.
func NewDBusTransport(address string, opts ...DBusOption) *DBusTransport {
	t := &DBusTransport{
		address: address,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionTransport connects to the bus named by DBUS_SESSION_BUS_ADDRESS.
func SessionTransport(opts ...DBusOption) *DBusTransport {
	return NewDBusTransport(os.Getenv("DBUS_SESSION_BUS_ADDRESS"), opts...)
}

// SystemTransport connects to the system bus, honoring
// DBUS_SYSTEM_BUS_ADDRESS.
func SystemTransport(opts ...DBusOption) *DBusTransport {
	address := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if address == "" {
		address = SystemBusAddress
	}
	return NewDBusTransport(address, opts...)
}

// Address returns the bus address.
func (t *DBusTransport) Address() string {
	return t.address
}

// Connect dials the bus, subscribes to every signal and switches the
// connection to eavesdrop mode.
func (t *DBusTransport) Connect(ctx context.Context) (Conn, error) {
	if t.address == "" {
		return nil, errors.New("no D-Bus address configured")
	}

	conn, err := dbus.Connect(t.address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.address, err)
	}

	// AddMatch goes through godbus call tracking, which stops working once
	// eavesdropping starts.
	if err := conn.AddMatchSignalContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("add signal match: %w", err)
	}

	names := conn.Names()
	if len(names) == 0 {
		_ = conn.Close()
		return nil, errors.New("bus did not assign a unique name")
	}

	c := &dbusConn{
		conn:    conn,
		name:    names[0],
		in:      make(chan *dbus.Message, eavesdropBuffer),
		out:     make(chan *Message),
		pending: make(map[uint32]chan *dbus.Message),
		cancels: make(map[uint32]context.CancelFunc),
		done:    make(chan struct{}),
		logger:  t.logger,
	}
	conn.Eavesdrop(c.in)
	go c.loop()

	t.logger.Debug("connected to D-Bus", "address", t.address, "unique_name", c.name)
	return c, nil
}

type dbusConn struct {
	conn *dbus.Conn
	name string
	in   chan *dbus.Message
	out  chan *Message

	// mu is held across a send and the registration of its serial so a fast
	// reply cannot overtake the bookkeeping.
	mu      sync.Mutex
	pending map[uint32]chan *dbus.Message
	cancels map[uint32]context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

func (c *dbusConn) UniqueName() string { return c.name }

func (c *dbusConn) Messages() <-chan *Message { return c.out }

func (c *dbusConn) loop() {
	defer close(c.out)

	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-c.in:
			if !ok {
				return
			}
			if c.demux(raw) {
				continue
			}
			msg := fromDBus(raw)
			select {
			case c.out <- msg:
			case <-c.done:
				return
			}
		}
	}
}

// demux routes replies to pending daemon calls. It also releases the godbus
// call tracking of every answered call.
func (c *dbusConn) demux(raw *dbus.Message) bool {
	if raw.Type != dbus.TypeMethodReply && raw.Type != dbus.TypeError {
		return false
	}
	serial, ok := headerUint32(raw, dbus.FieldReplySerial)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.cancels[serial]; ok {
		cancel()
		delete(c.cancels, serial)
	}
	ch, ok := c.pending[serial]
	if !ok {
		return false
	}
	delete(c.pending, serial)
	ch <- raw
	return true
}

func (c *dbusConn) Send(msg *Message) (uint32, error) {
	raw, err := toDBus(msg)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	serial, err := c.sendLocked(raw)
	if err != nil {
		return 0, err
	}
	return serial, nil
}

func (c *dbusConn) sendLocked(raw *dbus.Message) (uint32, error) {
	ctx, cancel := context.WithCancel(context.Background())
	call := c.conn.SendWithContext(ctx, raw, nil)
	if call.Err != nil {
		cancel()
		return 0, fmt.Errorf("send: %w", call.Err)
	}
	serial := raw.Serial()
	if raw.Type == dbus.TypeMethodCall && raw.Flags&dbus.FlagNoReplyExpected == 0 {
		c.cancels[serial] = cancel
	} else {
		cancel()
	}
	return serial, nil
}

// daemonCall calls a bus daemon method and waits for its reply.
func (c *dbusConn) daemonCall(ctx context.Context, member string, args ...any) ([]any, error) {
	raw, err := toDBus(&Message{
		Type:        TypeMethodCall,
		Destination: BusName,
		Path:        BusPath,
		Interface:   BusInterface,
		Member:      member,
		Body:        args,
	})
	if err != nil {
		return nil, err
	}

	reply := make(chan *dbus.Message, 1)
	c.mu.Lock()
	serial, err := c.sendLocked(raw)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[serial] = reply
	c.mu.Unlock()

	select {
	case msg := <-reply:
		if msg.Type == dbus.TypeError {
			name, _ := headerString(msg, dbus.FieldErrorName)
			text, _ := firstString(msg.Body)
			return nil, &Error{Name: name, Message: text}
		}
		return msg.Body, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *dbusConn) RequestName(ctx context.Context, name string) error {
	body, err := c.daemonCall(ctx, "RequestName", name, uint32(dbus.NameFlagDoNotQueue))
	if err != nil {
		return fmt.Errorf("request %s: %w", name, err)
	}
	code, _ := firstUint32(body)
	switch dbus.RequestNameReply(code) {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		return nil
	default:
		return fmt.Errorf("request %s: %w (reply %d)", name, ErrNameTaken, code)
	}
}

func (c *dbusConn) ReleaseName(ctx context.Context, name string) error {
	body, err := c.daemonCall(ctx, "ReleaseName", name)
	if err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	code, _ := firstUint32(body)
	if dbus.ReleaseNameReply(code) != dbus.ReleaseNameReplyReleased {
		return fmt.Errorf("release %s: %w (reply %d)", name, ErrNameNotOwned, code)
	}
	return nil
}

func (c *dbusConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()

		c.mu.Lock()
		for serial, cancel := range c.cancels {
			cancel()
			delete(c.cancels, serial)
		}
		c.mu.Unlock()
	})
	return err
}

func firstUint32(body []any) (uint32, bool) {
	if len(body) == 0 {
		return 0, false
	}
	v, ok := body[0].(uint32)
	return v, ok
}

func headerString(m *dbus.Message, field dbus.HeaderField) (string, bool) {
	v, ok := m.Headers[field]
	if !ok {
		return "", false
	}
	switch s := v.Value().(type) {
	case string:
		return s, true
	case dbus.ObjectPath:
		return string(s), true
	default:
		return "", false
	}
}

func headerUint32(m *dbus.Message, field dbus.HeaderField) (uint32, bool) {
	v, ok := m.Headers[field]
	if !ok {
		return 0, false
	}
	n, ok := v.Value().(uint32)
	return n, ok
}

func fromDBus(m *dbus.Message) *Message {
	out := &Message{
		Serial:  m.Serial(),
		Body:    normalizeBody(m.Body),
		NoReply: m.Flags&dbus.FlagNoReplyExpected != 0,
	}
	switch m.Type {
	case dbus.TypeMethodCall:
		out.Type = TypeMethodCall
	case dbus.TypeMethodReply:
		out.Type = TypeMethodReturn
	case dbus.TypeError:
		out.Type = TypeError
	case dbus.TypeSignal:
		out.Type = TypeSignal
	}
	out.Sender, _ = headerString(m, dbus.FieldSender)
	out.Destination, _ = headerString(m, dbus.FieldDestination)
	out.Path, _ = headerString(m, dbus.FieldPath)
	out.Interface, _ = headerString(m, dbus.FieldInterface)
	out.Member, _ = headerString(m, dbus.FieldMember)
	out.ErrorName, _ = headerString(m, dbus.FieldErrorName)
	out.ReplySerial, _ = headerUint32(m, dbus.FieldReplySerial)
	return out
}

// toDBus builds a wire message. godbus panics on values it cannot encode;
// the panic is turned into an error.
func toDBus(msg *Message) (raw *dbus.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw, err = nil, fmt.Errorf("encode %s %s: %v", msg.Type, msg.Member, r)
		}
	}()

	raw = &dbus.Message{Headers: make(map[dbus.HeaderField]dbus.Variant)}
	switch msg.Type {
	case TypeMethodCall:
		raw.Type = dbus.TypeMethodCall
	case TypeMethodReturn:
		raw.Type = dbus.TypeMethodReply
	case TypeError:
		raw.Type = dbus.TypeError
	case TypeSignal:
		raw.Type = dbus.TypeSignal
	default:
		return nil, fmt.Errorf("unsupported message type %s", msg.Type)
	}
	if msg.NoReply {
		raw.Flags |= dbus.FlagNoReplyExpected
	}

	setString := func(field dbus.HeaderField, v string) {
		if v != "" {
			raw.Headers[field] = dbus.MakeVariant(v)
		}
	}
	if msg.Path != "" {
		raw.Headers[dbus.FieldPath] = dbus.MakeVariant(dbus.ObjectPath(msg.Path))
	}
	setString(dbus.FieldDestination, msg.Destination)
	setString(dbus.FieldInterface, msg.Interface)
	setString(dbus.FieldMember, msg.Member)
	setString(dbus.FieldErrorName, msg.ErrorName)
	if msg.ReplySerial != 0 {
		raw.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(msg.ReplySerial)
	}

	if len(msg.Body) > 0 {
		raw.Body = make([]any, len(msg.Body))
		copy(raw.Body, msg.Body)
		raw.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(raw.Body...))
	}

	if err := raw.IsValid(); err != nil {
		return nil, err
	}
	return raw, nil
}

// normalizeBody converts godbus value types into plain Go values.
func normalizeBody(body []any) []any {
	if body == nil {
		return nil
	}
	out := make([]any, len(body))
	for i, v := range body {
		out[i] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return normalizeValue(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case dbus.Signature:
		return x.String()
	case []any:
		return normalizeBody(x)
	case map[string]dbus.Variant:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeValue(val.Value())
		}
		return out
	case []dbus.ObjectPath:
		out := make([]any, len(x))
		for i, p := range x {
			out[i] = string(p)
		}
		return out
	default:
		return v
	}
}
