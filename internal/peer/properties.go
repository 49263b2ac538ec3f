package peer

import (
	"fmt"

	"github.com/roach88/busprobe/internal/bus"
	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
)

// serveProperties installs the Properties responder of the peer and returns
// the function removing it.
func (p *Peer) serveProperties() func() {
	// Reads the state machine directly: the adapter evaluates this while
	// a lifecycle call may hold p.mu.
	active := pattern.Func(fmt.Sprintf("peer %s active", p.name), func(*ir.Event) bool {
		return p.fsm.MustState() == Active
	})
	match := pattern.New(ir.KindMethodCall, pattern.Fields{
		"interface": bus.PropertiesInterface,
		"path":      p.path,
	}).Where(active)

	return p.registry.adapter.Handle(match, p.answerProperties)
}

func (p *Peer) answerProperties(ev *ir.Event) ([]any, error) {
	iface, _ := argString(ev.Args, 0)

	p.propsMu.Lock()
	defer p.propsMu.Unlock()

	props, known := p.props[iface]

	switch ev.Member {
	case "Get":
		name, _ := argString(ev.Args, 1)
		if !known {
			return nil, &bus.Error{Name: bus.ErrNameInvalidArgs, Message: "no such interface " + iface}
		}
		v, ok := props[name]
		if !ok {
			return nil, &bus.Error{Name: bus.ErrNameUnknownProperty, Message: "no such property " + name}
		}
		return []any{v}, nil

	case "GetAll":
		out := make(map[string]any, len(props))
		for k, v := range props {
			out[k] = v
		}
		return []any{out}, nil

	default:
		return nil, &bus.Error{Name: bus.ErrNameUnknownMethod, Message: "unsupported method " + ev.Member}
	}
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}
