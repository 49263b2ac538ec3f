package testutil

import (
	"context"
	"fmt"

	"github.com/roach88/busprobe/internal/bus"
)

// Default identity of the echo service.
const (
	EchoName      = "org.example.Echo"
	EchoPath      = "/org/example/Echo"
	EchoInterface = "org.example.Echo"
)

// Echo is a tiny service under test for harness tests. On its interface it
// answers:
//
//	Ping()                                  -> ()
//	Echo(args...)                           -> (args...)
//	Poke(dest, path, iface, member, args...) -> (), then calls member on dest
//	Announce(member, args...)               -> (), after emitting signal member
//	Fail(name, message)                     -> error name
//
// Anything else gets UnknownMethod. Answers to its own calls are ignored.
type Echo struct {
	Name      string
	Path      string
	Interface string
}

// NewEcho returns an Echo with the default identity.
func NewEcho() *Echo {
	return &Echo{Name: EchoName, Path: EchoPath, Interface: EchoInterface}
}

// Ready claims the service name.
func (e *Echo) Ready(ctx context.Context, conn bus.Conn) error {
	return conn.RequestName(ctx, e.Name)
}

// Serve answers calls until ctx is done or the connection closes.
func (e *Echo) Serve(ctx context.Context, conn bus.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-conn.Messages():
			if !ok {
				return nil
			}
			if msg.Type != bus.TypeMethodCall {
				continue
			}
			if err := e.answer(conn, msg); err != nil {
				return err
			}
		}
	}
}

func (e *Echo) answer(conn bus.Conn, call *bus.Message) error {
	var (
		body    []any
		errName string
		errText string
		then    func() error
	)

	switch {
	case call.Interface != e.Interface:
		errName, errText = bus.ErrNameUnknownMethod, "unknown interface "+call.Interface

	case call.Member == "Ping":

	case call.Member == "Echo":
		body = call.Body

	case call.Member == "Poke":
		s, ok := stringArgs(call.Body, 4)
		if !ok {
			errName, errText = bus.ErrNameInvalidArgs, "Poke wants dest, path, iface, member"
			break
		}
		then = func() error {
			_, err := conn.Send(&bus.Message{
				Type:        bus.TypeMethodCall,
				Destination: s[0],
				Path:        s[1],
				Interface:   s[2],
				Member:      s[3],
				Body:        call.Body[4:],
			})
			if err != nil {
				return fmt.Errorf("poke %s.%s: %w", s[2], s[3], err)
			}
			return nil
		}

	case call.Member == "Announce":
		s, ok := stringArgs(call.Body, 1)
		if !ok {
			errName, errText = bus.ErrNameInvalidArgs, "Announce wants a member"
			break
		}
		_, err := conn.Send(&bus.Message{
			Type:      bus.TypeSignal,
			Path:      e.Path,
			Interface: e.Interface,
			Member:    s[0],
			Body:      call.Body[1:],
		})
		if err != nil {
			return fmt.Errorf("announce %s: %w", s[0], err)
		}

	case call.Member == "Fail":
		s, ok := stringArgs(call.Body, 2)
		if !ok {
			errName, errText = bus.ErrNameInvalidArgs, "Fail wants name, message"
			break
		}
		errName, errText = s[0], s[1]

	default:
		errName, errText = bus.ErrNameUnknownMethod, "unknown method "+call.Member
	}

	if err := e.reply(conn, call, body, errName, errText); err != nil {
		return err
	}
	if then != nil {
		return then()
	}
	return nil
}

func (e *Echo) reply(conn bus.Conn, call *bus.Message, body []any, errName, errText string) error {
	if call.NoReply {
		return nil
	}
	reply := &bus.Message{
		Type:        bus.TypeMethodReturn,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		Body:        body,
	}
	if errName != "" {
		reply.Type = bus.TypeError
		reply.ErrorName = errName
		reply.Body = []any{errText}
	}
	if _, err := conn.Send(reply); err != nil {
		return fmt.Errorf("answer %s: %w", call.Member, err)
	}
	return nil
}

// stringArgs returns the first n body values when all of them are strings.
func stringArgs(body []any, n int) ([]string, bool) {
	if len(body) < n {
		return nil, false
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		s, ok := body[i].(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}
