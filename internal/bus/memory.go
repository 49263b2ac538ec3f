package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// MemoryBus is an in-process bus with D-Bus routing semantics:
//   - connections get unique names :1.1, :1.2, ... in connect order
//   - a well-known name has at most one owner
//   - method calls go to the owner of the destination; unowned
//     destinations get a ServiceUnknown error
//   - signals without a destination go to every connection, the sender
//     included
//   - replies go to their destination
//   - ownership changes of well-known names are announced with
//     org.freedesktop.DBus.NameOwnerChanged
type MemoryBus struct {
	mu     sync.Mutex
	next   int
	serial uint32
	conns  []*memConn
	byName map[string]*memConn
	owners map[string]string
	logger *slog.Logger
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithMemoryLogger sets the logger used for routing diagnostics.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		byName: make(map[string]*memConn),
		owners: make(map[string]string),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Address returns a pseudo address. Processes outside the test binary
// cannot reach a MemoryBus.
func (b *MemoryBus) Address() string {
	return "memory:"
}

// Connect opens a connection.
func (b *MemoryBus) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	c := &memConn{
		bus:   b,
		name:  fmt.Sprintf(":1.%d", b.next),
		inbox: newMailbox(),
		names: make(map[string]struct{}),
	}
	b.conns = append(b.conns, c)
	b.byName[c.name] = c
	b.logger.Debug("connection opened", "unique_name", c.name)
	return c, nil
}

// Owner returns the unique name owning name.
func (b *MemoryBus) Owner(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner, ok := b.ownerLocked(name)
	return owner, ok
}

func (b *MemoryBus) ownerLocked(name string) (string, bool) {
	if strings.HasPrefix(name, ":") {
		_, ok := b.byName[name]
		return name, ok
	}
	owner, ok := b.owners[name]
	return owner, ok
}

func (b *MemoryBus) resolveLocked(name string) *memConn {
	owner, ok := b.ownerLocked(name)
	if !ok {
		return nil
	}
	return b.byName[owner]
}

func (b *MemoryBus) nextSerialLocked() uint32 {
	b.serial++
	return b.serial
}

func (b *MemoryBus) route(from *memConn, msg *Message) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from.closed {
		return 0, ErrClosed
	}

	out := msg.clone()
	from.serial++
	out.Serial = from.serial
	out.Sender = from.name

	switch out.Type {
	case TypeSignal:
		if out.Destination == "" {
			for _, c := range b.conns {
				c.inbox.put(out.clone())
			}
			break
		}
		if to := b.resolveLocked(out.Destination); to != nil {
			to.inbox.put(out)
		}

	case TypeMethodCall:
		if out.Destination == BusName {
			b.daemonCallLocked(from, out)
			break
		}
		to := b.resolveLocked(out.Destination)
		if to == nil {
			b.logger.Debug("no owner for destination", "destination", out.Destination, "member", out.Member)
			if !out.NoReply {
				b.replyErrorLocked(from, out, ErrNameServiceUnknown,
					fmt.Sprintf("The name %s was not provided by any .service files", out.Destination))
			}
			break
		}
		to.inbox.put(out)

	case TypeMethodReturn, TypeError:
		if to := b.resolveLocked(out.Destination); to != nil {
			to.inbox.put(out)
		}

	default:
		return 0, fmt.Errorf("unsupported message type %s", out.Type)
	}

	return out.Serial, nil
}

// daemonCallLocked answers calls addressed to the bus itself.
func (b *MemoryBus) daemonCallLocked(from *memConn, call *Message) {
	if call.Interface != "" && call.Interface != BusInterface {
		b.replyErrorLocked(from, call, ErrNameUnknownMethod, "unknown interface "+call.Interface)
		return
	}

	switch call.Member {
	case "GetNameOwner":
		name, _ := firstString(call.Body)
		owner, ok := b.ownerLocked(name)
		if !ok {
			b.replyErrorLocked(from, call, ErrNameNameHasNoOwner, "Could not get owner of name '"+name+"': no such name")
			return
		}
		b.replyLocked(from, call, owner)

	case "NameHasOwner":
		name, _ := firstString(call.Body)
		_, ok := b.ownerLocked(name)
		b.replyLocked(from, call, ok)

	case "ListNames":
		names := []string{BusName}
		for _, c := range b.conns {
			names = append(names, c.name)
		}
		wellKnown := make([]string, 0, len(b.owners))
		for name := range b.owners {
			wellKnown = append(wellKnown, name)
		}
		sort.Strings(wellKnown)
		names = append(names, wellKnown...)
		b.replyLocked(from, call, names)

	default:
		b.replyErrorLocked(from, call, ErrNameUnknownMethod, "unknown method "+call.Member)
	}
}

func (b *MemoryBus) replyLocked(to *memConn, call *Message, body ...any) {
	if call.NoReply {
		return
	}
	to.inbox.put(&Message{
		Type:        TypeMethodReturn,
		Serial:      b.nextSerialLocked(),
		ReplySerial: call.Serial,
		Sender:      BusName,
		Destination: to.name,
		Body:        body,
	})
}

func (b *MemoryBus) replyErrorLocked(to *memConn, call *Message, name, text string) {
	to.inbox.put(&Message{
		Type:        TypeError,
		Serial:      b.nextSerialLocked(),
		ReplySerial: call.Serial,
		Sender:      BusName,
		Destination: to.name,
		ErrorName:   name,
		Body:        []any{text},
	})
}

func (b *MemoryBus) ownerChangedLocked(name, oldOwner, newOwner string) {
	b.logger.Debug("name owner changed", "name", name, "old", oldOwner, "new", newOwner)
	msg := &Message{
		Type:      TypeSignal,
		Serial:    b.nextSerialLocked(),
		Sender:    BusName,
		Path:      BusPath,
		Interface: BusInterface,
		Member:    "NameOwnerChanged",
		Body:      []any{name, oldOwner, newOwner},
	}
	for _, c := range b.conns {
		c.inbox.put(msg.clone())
	}
}

func (b *MemoryBus) requestName(c *memConn, name string) error {
	if name == "" || strings.HasPrefix(name, ":") {
		return fmt.Errorf("invalid well-known name %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if owner, ok := b.owners[name]; ok {
		if owner == c.name {
			return nil
		}
		return fmt.Errorf("request %s: %w (owner %s)", name, ErrNameTaken, owner)
	}
	b.owners[name] = c.name
	c.names[name] = struct{}{}
	b.ownerChangedLocked(name, "", c.name)
	return nil
}

func (b *MemoryBus) releaseName(c *memConn, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if owner, ok := b.owners[name]; !ok || owner != c.name {
		return fmt.Errorf("release %s: %w", name, ErrNameNotOwned)
	}
	delete(b.owners, name)
	delete(c.names, name)
	b.ownerChangedLocked(name, c.name, "")
	return nil
}

func (b *MemoryBus) disconnect(c *memConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for i, other := range b.conns {
		if other == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	delete(b.byName, c.name)

	names := make([]string, 0, len(c.names))
	for name := range c.names {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		delete(b.owners, name)
		b.ownerChangedLocked(name, c.name, "")
	}
	c.inbox.close()
	b.logger.Debug("connection closed", "unique_name", c.name)
}

func firstString(body []any) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	s, ok := body[0].(string)
	return s, ok
}

// memConn is a MemoryBus connection. Its mutable fields are guarded by the
// bus mutex.
type memConn struct {
	bus    *MemoryBus
	name   string
	serial uint32
	closed bool
	names  map[string]struct{}
	inbox  *mailbox
}

func (c *memConn) UniqueName() string { return c.name }

func (c *memConn) Send(msg *Message) (uint32, error) {
	return c.bus.route(c, msg)
}

func (c *memConn) Messages() <-chan *Message { return c.inbox.out }

func (c *memConn) RequestName(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.bus.requestName(c, name)
}

func (c *memConn) ReleaseName(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.bus.releaseName(c, name)
}

func (c *memConn) Close() error {
	c.bus.disconnect(c)
	return nil
}

// mailbox is an unbounded FIFO feeding a channel, so that routing never
// blocks on a slow reader.
type mailbox struct {
	mu     sync.Mutex
	queue  []*Message
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
	out    chan *Message
}

func newMailbox() *mailbox {
	m := &mailbox{
		queue:  make([]*Message, 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan *Message),
	}
	go m.pump()
	return m
}

func (m *mailbox) put(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.queue = append(m.queue, msg)

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
