package harness

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/busprobe/internal/bus"
	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
	"github.com/roach88/busprobe/internal/pattern"
	"github.com/roach88/busprobe/internal/peer"
)

// Func returns the scenario as a ScenarioFunc.
func (s *Scenario) Func() ScenarioFunc {
	return func(ctx context.Context, env *Env) error {
		return newRunner(s, env).run(ctx)
	}
}

// runner executes the steps of one scenario document.
type runner struct {
	scenario *Scenario
	env      *Env
	peers    map[string]*peer.Peer

	// bindings hold *ir.Event, uint32 and string values by name.
	bindings map[string]any
}

func newRunner(s *Scenario, env *Env) *runner {
	r := &runner{
		scenario: s,
		env:      env,
		peers:    make(map[string]*peer.Peer, len(s.Peers)),
		bindings: map[string]any{"self": env.Bus.UniqueName()},
	}
	for _, spec := range s.Peers {
		p := env.Peers.New(spec.Name, spec.Path)
		for iface, props := range spec.Properties {
			values := make(map[string]any, len(props))
			for name, v := range props {
				values[name] = normalizeValue(v)
			}
			p.SetProperties(iface, values)
		}
		r.peers[spec.ID] = p
	}
	return r
}

func (r *runner) run(ctx context.Context) error {
	for i := range r.scenario.Steps {
		step := &r.scenario.Steps[i]
		verb := step.Verb()
		r.env.Logger.Debug("step", "n", i+1, "verb", verb)

		err := r.step(ctx, step)
		if step.Error == "" {
			if err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, verb, err)
			}
			continue
		}

		switch code := eventlog.CodeOf(err); {
		case err == nil:
			return fmt.Errorf("step %d (%s): expected %s, step succeeded", i+1, verb, step.Error)
		case string(code) != step.Error:
			return fmt.Errorf("step %d (%s): expected %s: %w", i+1, verb, step.Error, err)
		}
		r.env.Logger.Info("step failed as expected", "n", i+1, "verb", verb, "code", step.Error)
	}
	return nil
}

func (r *runner) step(ctx context.Context, s *Step) error {
	log := r.env.Log

	switch {
	case s.Register != "":
		return r.peers[s.Register].Register(ctx)

	case s.Start != "":
		return r.peers[s.Start].Start()

	case s.Withdraw != "":
		return r.peers[s.Withdraw].Withdraw(ctx)

	case s.Reacquire != "":
		return r.peers[s.Reacquire].Reacquire(ctx)

	case s.Call != nil:
		return r.call(ctx, s)

	case s.Expect != nil:
		p, err := r.pattern(*s.Expect)
		if err != nil {
			return err
		}
		ev, err := log.ExpectWithin(ctx, r.timeout(s), p)
		if err != nil {
			return err
		}
		r.bind(s.As, ev)
		return nil

	case s.ExpectMany != nil:
		mode, err := eventlog.ParseMode(s.ExpectMany.Mode)
		if err != nil {
			return err
		}
		patterns, err := r.patterns(s.ExpectMany.Patterns)
		if err != nil {
			return err
		}
		events, err := log.ExpectManyWithin(ctx, r.timeout(s), mode, patterns...)
		if err != nil {
			return err
		}
		if s.As != "" {
			for i, ev := range events {
				r.bind(fmt.Sprintf("%s[%d]", s.As, i), ev)
			}
		}
		return nil

	case s.Reply != nil:
		ev, err := r.event(s.Reply.Event)
		if err != nil {
			return err
		}
		args, err := r.resolveAll(s.Reply.Args)
		if err != nil {
			return err
		}
		return r.env.Bus.Reply(ev, args...)

	case s.Raise != nil:
		ev, err := r.event(s.Raise.Event)
		if err != nil {
			return err
		}
		return r.env.Bus.RaiseError(ev, s.Raise.Name, s.Raise.Message)

	case s.Emit != nil:
		return r.emit(s)

	case len(s.Forbid) > 0:
		patterns, err := r.patterns(s.Forbid)
		if err != nil {
			return err
		}
		log.Forbid(patterns...)
		return nil

	case len(s.Unforbid) > 0:
		patterns, err := r.patterns(s.Unforbid)
		if err != nil {
			return err
		}
		log.Unforbid(patterns...)
		return nil

	case s.Handle != nil:
		return r.handle(s.Handle)

	case s.EnsureHandle != nil:
		h := s.EnsureHandle
		r.bind(s.As, r.peers[h.Peer].EnsureHandle(h.Kind, h.ID))
		return nil

	case s.Sleep != nil:
		select {
		case <-time.After(time.Duration(*s.Sleep)):
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return fmt.Errorf("step has no verb")
}

func (r *runner) call(ctx context.Context, s *Step) error {
	c := s.Call
	dest, path := c.Destination, c.Path
	if c.Peer != "" {
		p := r.peers[c.Peer]
		if dest == "" {
			dest = p.Name()
		}
		if path == "" {
			path = p.Path()
		}
	}
	if path == "" {
		path = "/"
	}
	args, err := r.resolveAll(c.Args)
	if err != nil {
		return err
	}

	if !c.Wait {
		serial, err := r.env.Bus.CallAsync(dest, path, c.Interface, c.Method, args...)
		if err != nil {
			return err
		}
		r.bind(s.As, serial)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout(s))
	defer cancel()
	ev, err := r.env.Bus.Call(ctx, dest, path, c.Interface, c.Method, args...)
	if err != nil {
		return err
	}
	r.bind(s.As, ev)
	return nil
}

func (r *runner) emit(s *Step) error {
	e := s.Emit
	args, err := r.resolveAll(e.Args)
	if err != nil {
		return err
	}

	var ev *ir.Event
	if e.Peer != "" {
		ev, err = r.peers[e.Peer].EmitSignal(e.Interface, e.Member, args...)
	} else {
		ev, err = r.env.Bus.EmitSignal(e.Path, e.Interface, e.Member, args...)
	}
	if err != nil {
		return err
	}
	r.bind(s.As, ev)
	return nil
}

func (r *runner) handle(h *HandleStep) error {
	p, err := r.pattern(h.Match)
	if err != nil {
		return err
	}
	reply, err := r.resolveAll(h.Reply)
	if err != nil {
		return err
	}
	if h.Error != "" {
		busErr := &bus.Error{Name: h.Error, Message: h.Message}
		r.env.Bus.Handle(p, func(*ir.Event) ([]any, error) { return nil, busErr })
		return nil
	}
	r.env.Bus.Handle(p, func(*ir.Event) ([]any, error) { return reply, nil })
	return nil
}

// timeout returns the wait budget of a step.
func (r *runner) timeout(s *Step) time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout)
	}
	if r.scenario.Timeout > 0 {
		return time.Duration(r.scenario.Timeout)
	}
	return r.env.Log.Timeout()
}

func (r *runner) bind(name string, v any) {
	if name != "" {
		r.bindings[name] = v
	}
}

func (r *runner) event(ref string) (*ir.Event, error) {
	name := strings.TrimPrefix(ref, "$")
	v, ok := r.bindings[name]
	if !ok {
		return nil, fmt.Errorf("unknown binding %q", name)
	}
	ev, ok := v.(*ir.Event)
	if !ok {
		return nil, fmt.Errorf("binding %q is not an event", name)
	}
	return ev, nil
}

// resolve substitutes "$name" and "$name.field" references. "$$" escapes
// a literal dollar sign. Other values are normalized for the bus.
func (r *runner) resolve(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return normalizeValue(v), nil
	}
	if strings.HasPrefix(s, "$$") {
		return s[1:], nil
	}

	name, field, hasField := strings.Cut(s[1:], ".")
	b, ok := r.bindings[name]
	if !ok {
		return nil, fmt.Errorf("unknown binding %q", name)
	}
	ev, isEvent := b.(*ir.Event)
	switch {
	case isEvent && !hasField:
		return nil, fmt.Errorf("binding %q is an event, reference one of its fields", name)
	case isEvent:
		fv, ok := ev.Field(field)
		if !ok {
			return nil, fmt.Errorf("binding %q: unknown event field %q", name, field)
		}
		return fv, nil
	case hasField:
		return nil, fmt.Errorf("binding %q has no fields", name)
	}
	return b, nil
}

func (r *runner) resolveAll(vals []any) ([]any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		rv, err := r.resolve(v)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = rv
	}
	return out, nil
}

func (r *runner) patterns(specs []PatternSpec) ([]pattern.Pattern, error) {
	out := make([]pattern.Pattern, len(specs))
	for i, spec := range specs {
		p, err := r.pattern(spec)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i+1, err)
		}
		out[i] = p
	}
	return out, nil
}

// pattern builds a pattern from its document form, resolving bindings.
func (r *runner) pattern(spec PatternSpec) (pattern.Pattern, error) {
	kind := ir.KindAny
	if spec.Kind != "" {
		k, err := ir.ParseKind(spec.Kind)
		if err != nil {
			return pattern.Pattern{}, err
		}
		kind = k
	}

	fields := pattern.Fields{}
	strs := map[string]string{
		"interface":   spec.Interface,
		"member":      spec.Member,
		"path":        spec.Path,
		"sender":      spec.Sender,
		"destination": spec.Destination,
		"error_name":  spec.ErrorName,
	}
	for name, v := range strs {
		if v == "" {
			continue
		}
		rv, err := r.resolve(v)
		if err != nil {
			return pattern.Pattern{}, fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = rv
	}
	if spec.Serial != nil {
		fields["serial"] = *spec.Serial
	}
	if spec.ReplySerial != nil {
		fields["reply_serial"] = *spec.ReplySerial
	}
	if spec.ReplyTo != "" {
		v, err := r.resolve(spec.ReplyTo)
		if err != nil {
			return pattern.Pattern{}, fmt.Errorf("reply_to: %w", err)
		}
		serial, ok := v.(uint32)
		if !ok {
			return pattern.Pattern{}, fmt.Errorf("reply_to: %s is not a call serial", spec.ReplyTo)
		}
		fields["reply_serial"] = serial
	}
	if spec.Args != nil {
		args, err := r.resolveAll(spec.Args)
		if err != nil {
			return pattern.Pattern{}, fmt.Errorf("args: %w", err)
		}
		if args == nil {
			args = []any{}
		}
		fields["args"] = args
	}

	p := pattern.New(kind, fields)
	if len(spec.ArgsPrefix) > 0 {
		args, err := r.resolveAll(spec.ArgsPrefix)
		if err != nil {
			return pattern.Pattern{}, fmt.Errorf("args_prefix: %w", err)
		}
		p = p.Where(pattern.ArgsPrefix(args...))
	}
	if len(spec.ArgsAnyOrder) > 0 {
		args, err := r.resolveAll(spec.ArgsAnyOrder)
		if err != nil {
			return pattern.Pattern{}, fmt.Errorf("args_any_order: %w", err)
		}
		p = p.Where(pattern.ArgsPrefixAnyOrder(args...))
	}
	if spec.Unhandled {
		p = p.Where(pattern.Unhandled())
	}
	return p, nil
}

// normalizeValue maps decoded YAML values onto bus types: integers become
// int32 when they fit and int64 otherwise, nested lists and maps are
// normalized element-wise.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		if val >= math.MinInt32 && val <= math.MaxInt32 {
			return int32(val)
		}
		return int64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return strconv.FormatUint(val, 10)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeValue(elem)
		}
		return out
	default:
		return v
	}
}
