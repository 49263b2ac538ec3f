package bus

import (
	"context"
	"errors"
	"fmt"
)

// Well-known names of the bus daemon.
const (
	BusName      = "org.freedesktop.DBus"
	BusPath      = "/org/freedesktop/DBus"
	BusInterface = "org.freedesktop.DBus"

	PropertiesInterface = "org.freedesktop.DBus.Properties"
)

// Standard error names.
const (
	ErrNameFailed          = "org.freedesktop.DBus.Error.Failed"
	ErrNameServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameNameHasNoOwner  = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrNameInvalidArgs     = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameUnknownProperty = "org.freedesktop.DBus.Error.UnknownProperty"
)

var (
	// ErrNameTaken is returned by RequestName when another connection owns
	// the name.
	ErrNameTaken = errors.New("bus name already owned")

	// ErrNameNotOwned is returned by ReleaseName for a name the connection
	// does not own.
	ErrNameNotOwned = errors.New("bus name not owned by this connection")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// MessageType is one of the four bus message kinds.
type MessageType int

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is a transport-neutral bus message.
type Message struct {
	Type MessageType

	// Serial is assigned by Conn.Send.
	Serial      uint32
	ReplySerial uint32

	// Sender is assigned by the bus.
	Sender      string
	Destination string
	Path        string
	Interface   string
	Member      string
	ErrorName   string
	Body        []any

	// NoReply marks a method call whose caller does not want an answer.
	NoReply bool
}

func (m *Message) clone() *Message {
	out := *m
	if m.Body != nil {
		out.Body = make([]any, len(m.Body))
		copy(out.Body, m.Body)
	}
	return &out
}

// Error is a D-Bus error name with a message. Responders return it to
// answer a call with a specific error.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Transport opens connections to one bus.
type Transport interface {
	// Address is the bus address handed to services under test.
	Address() string

	// Connect opens a new connection with its own unique name.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one connection to the bus.
type Conn interface {
	// UniqueName is the bus-assigned name of the connection.
	UniqueName() string

	// Send stamps msg with a fresh serial and the sender, sends it and
	// returns the serial.
	Send(msg *Message) (uint32, error)

	// Messages delivers inbound messages in arrival order. The channel is
	// closed when the connection closes.
	Messages() <-chan *Message

	// RequestName claims a well-known name without queueing. It returns
	// ErrNameTaken if another connection owns it.
	RequestName(ctx context.Context, name string) error

	// ReleaseName gives up a well-known name.
	ReleaseName(ctx context.Context, name string) error

	// Close releases every owned name and closes the connection.
	Close() error
}
