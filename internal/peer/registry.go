package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/busprobe/internal/bus"
)

// ErrIdentityClaimed is returned when a peer registers a name another peer
// of the same registry holds.
var ErrIdentityClaimed = errors.New("identity already claimed by another peer")

// Registry creates peers and arbitrates their identities.
type Registry struct {
	adapter *bus.Adapter
	logger  *slog.Logger

	mu     sync.Mutex
	claims map[string]*Claim
	peers  []*Peer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Lifecycle transitions are logged at debug
// level.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry whose peers act through adapter.
func NewRegistry(adapter *bus.Adapter, opts ...Option) *Registry {
	r := &Registry{
		adapter: adapter,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		claims:  make(map[string]*Claim),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adapter returns the bus adapter peers act through.
func (r *Registry) Adapter() *bus.Adapter {
	return r.adapter
}

// New creates an unregistered peer for the bus name and object path.
func (r *Registry) New(name, path string) *Peer {
	p := newPeer(r, name, path)

	r.mu.Lock()
	r.peers = append(r.peers, p)
	r.mu.Unlock()
	return p
}

// Peers returns every peer created by the registry, in creation order.
func (r *Registry) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Peer, len(r.peers))
	copy(out, r.peers)
	return out
}

// Holder returns the peer currently holding name.
func (r *Registry) Holder(name string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.claims[name]
	if !ok {
		return nil, false
	}
	return c.peer, true
}

// Names returns the claimed names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.claims))
	for name := range r.claims {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) claim(ctx context.Context, p *Peer) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.claims[p.name]; ok && holder.peer != p {
		return nil, fmt.Errorf("register %s: %w", p.name, ErrIdentityClaimed)
	}
	if err := r.adapter.RequestName(ctx, p.name); err != nil {
		return nil, fmt.Errorf("register %s: %w", p.name, err)
	}

	c := &Claim{registry: r, peer: p, name: p.name}
	r.claims[p.name] = c
	return c, nil
}

func (r *Registry) release(ctx context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claims[c.name] != c {
		return nil
	}
	delete(r.claims, c.name)
	if err := r.adapter.ReleaseName(ctx, c.name); err != nil {
		return fmt.Errorf("release %s: %w", c.name, err)
	}
	return nil
}

// Close withdraws every peer still holding an identity and stops automatic
// property answers.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, p := range r.Peers() {
		if p.HoldsIdentity() {
			if err := p.Withdraw(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		p.stopServing()
	}
	return errors.Join(errs...)
}

// Claim is the owned right to a bus name. The name stays claimed until the
// claim is released.
type Claim struct {
	registry *Registry
	peer     *Peer
	name     string

	once sync.Once
	err  error
}

// Name returns the claimed bus name.
func (c *Claim) Name() string {
	return c.name
}

// Release gives the name up. Releasing twice is a no-op.
func (c *Claim) Release(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.registry.release(ctx, c)
	})
	return c.err
}
