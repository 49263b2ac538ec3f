package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
)

// State is a peer lifecycle state.
type State string

const (
	Unregistered State = "unregistered"
	Registered   State = "registered"
	Active       State = "active"
	Withdrawn    State = "withdrawn"
)

type trigger string

const (
	triggerRegister  trigger = "register"
	triggerStart     trigger = "start"
	triggerWithdraw  trigger = "withdraw"
	triggerReacquire trigger = "reacquire"
)

func newLifecycle() *stateless.StateMachine {
	sm := stateless.NewStateMachine(Unregistered)
	sm.Configure(Unregistered).
		Permit(triggerRegister, Registered)
	sm.Configure(Registered).
		Permit(triggerStart, Active).
		Permit(triggerWithdraw, Withdrawn)
	sm.Configure(Active).
		Permit(triggerWithdraw, Withdrawn)
	sm.Configure(Withdrawn).
		Permit(triggerReacquire, Registered)
	return sm
}

// Peer is a simulated protocol participant.
type Peer struct {
	registry *Registry
	name     string
	path     string

	mu      sync.Mutex
	fsm     *stateless.StateMachine
	claim   *Claim
	handles *handleTable
	serving func()

	propsMu sync.Mutex
	props   map[string]map[string]any
}

func newPeer(r *Registry, name, path string) *Peer {
	p := &Peer{
		registry: r,
		name:     name,
		path:     path,
		fsm:      newLifecycle(),
		handles:  newHandleTable(),
		props:    make(map[string]map[string]any),
	}
	p.fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		r.logger.Debug("peer transition",
			"peer", name,
			"trigger", tr.Trigger,
			"from", tr.Source,
			"to", tr.Destination,
		)
	})
	p.serving = p.serveProperties()
	return p
}

// Name returns the bus name of the peer.
func (p *Peer) Name() string { return p.name }

// Path returns the object path of the peer.
func (p *Peer) Path() string { return p.path }

// State returns the lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Peer) stateLocked() State {
	return p.fsm.MustState().(State)
}

// HoldsIdentity reports whether the peer currently owns its bus name.
func (p *Peer) HoldsIdentity() bool {
	switch p.State() {
	case Registered, Active:
		return true
	default:
		return false
	}
}

// Register claims the identity. It fails with ErrIdentityClaimed if another
// peer holds the name, or with the bus error if the bus refuses it.
func (p *Peer) Register(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state := p.stateLocked(); state != Unregistered {
		return fmt.Errorf("register %s: peer is %s", p.name, state)
	}
	return p.claimLocked(ctx, triggerRegister)
}

// Reacquire claims a withdrawn identity again, as a restarted peer would.
// The peer is registered afterwards; Start makes it active.
func (p *Peer) Reacquire(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state := p.stateLocked(); state != Withdrawn {
		return fmt.Errorf("reacquire %s: peer is %s", p.name, state)
	}
	return p.claimLocked(ctx, triggerReacquire)
}

func (p *Peer) claimLocked(ctx context.Context, t trigger) error {
	claim, err := p.registry.claim(ctx, p)
	if err != nil {
		return err
	}
	if err := p.fsm.FireCtx(ctx, t); err != nil {
		_ = claim.Release(ctx)
		return fmt.Errorf("%s %s: %w", t, p.name, err)
	}
	p.claim = claim
	return nil
}

// Start makes a registered peer active.
func (p *Peer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateLocked()
	if state != Registered {
		if state == Unregistered || state == Withdrawn {
			return eventlog.NewUnknownPeerFailure(p.name, "start", string(state))
		}
		return fmt.Errorf("start %s: peer is %s", p.name, state)
	}
	return p.fsm.Fire(triggerStart)
}

// Withdraw releases the identity. The bus announces the change with
// NameOwnerChanged. Calls left unanswered stay unhandled.
func (p *Peer) Withdraw(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.stateLocked()
	if state != Registered && state != Active {
		return eventlog.NewUnknownPeerFailure(p.name, "withdraw", string(state))
	}
	if err := p.claim.Release(ctx); err != nil {
		return err
	}
	p.claim = nil
	return p.fsm.FireCtx(ctx, triggerWithdraw)
}

// EmitSignal emits a signal from the peer's object path.
func (p *Peer) EmitSignal(iface, member string, args ...any) (*ir.Event, error) {
	p.mu.Lock()
	state := p.stateLocked()
	p.mu.Unlock()

	if state != Registered && state != Active {
		return nil, eventlog.NewUnknownPeerFailure(p.name, "emit "+iface+"."+member, string(state))
	}
	return p.registry.adapter.EmitSignal(p.path, iface, member, args...)
}

// EnsureHandle returns the handle for (kind, id), assigning the next one if
// the pair is new. Handles are unique within the peer, never reused and
// survive withdraw and reacquire.
func (p *Peer) EnsureHandle(kind, id string) uint32 {
	return p.handles.ensure(kind, id)
}

// InspectHandle returns the identifier a handle was assigned to.
func (p *Peer) InspectHandle(kind string, handle uint32) (string, bool) {
	return p.handles.inspect(kind, handle)
}

// SetProperties replaces the property map of an interface. While the peer
// is active, org.freedesktop.DBus.Properties Get and GetAll calls on its
// path are answered from these maps.
func (p *Peer) SetProperties(iface string, props map[string]any) {
	p.propsMu.Lock()
	defer p.propsMu.Unlock()

	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	p.props[iface] = cp
}

func (p *Peer) stopServing() {
	p.mu.Lock()
	stop := p.serving
	p.serving = nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
}
