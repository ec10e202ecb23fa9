// Package gateway is the service context: it owns the event bus, one
// connection manager per backend and the chain listener, and exposes the
// call-through and subscription surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/adapter/cln"
	"github.com/marko911/lnpulse/internal/adapter/lnd"
	"github.com/marko911/lnpulse/internal/adapter/replay"
	"github.com/marko911/lnpulse/internal/chain"
	"github.com/marko911/lnpulse/internal/connmgr"
	"github.com/marko911/lnpulse/internal/correctness"
	"github.com/marko911/lnpulse/internal/cursor"
	"github.com/marko911/lnpulse/internal/delivery/bus"
	"github.com/marko911/lnpulse/internal/sink"
	"github.com/marko911/lnpulse/pkg/domain"
)

// BackendFactory builds the adapter for one backend config.
type BackendFactory func(cfg adapter.Config, logger *slog.Logger) (adapter.Backend, error)

// NewBackend builds the adapter named by cfg.Variant.
func NewBackend(cfg adapter.Config, logger *slog.Logger) (adapter.Backend, error) {
	if cfg.Name == "" {
		return nil, domain.Validation("backend without a name")
	}
	switch cfg.Variant {
	case adapter.VariantLND:
		return lnd.New(cfg, logger), nil
	case adapter.VariantCLN:
		return cln.New(cfg, logger), nil
	case adapter.VariantReplay:
		return replay.New(cfg, logger), nil
	default:
		return nil, domain.Unsupported("backend variant %q", cfg.Variant)
	}
}

// ChainOptions configures the chain listener.
type ChainOptions struct {
	Listener chain.Config

	// RPC, when set, answers tip and hash questions from bitcoind.
	// Otherwise TipBackend's GetInfo is used.
	RPC        *chain.RPCConfig
	TipBackend string

	Dialer chain.Dialer
}

// Options configures a Gateway.
type Options struct {
	Backends []adapter.Config
	Conn     connmgr.Config
	Guard    correctness.GuardConfig
	Bus      bus.Config

	// Chain enables the chain listener.
	Chain *ChainOptions

	// Cursors stores stream resume positions and the chain height. nil
	// keeps them in memory.
	Cursors cursor.Store

	Sinks     []sink.Sink
	Forwarder sink.ForwarderConfig

	// NewBackend overrides the variant factory.
	NewBackend BackendFactory

	Logger *slog.Logger
}

// Gateway wires the core components together.
type Gateway struct {
	logger *slog.Logger

	bus        *bus.Bus
	guard      *correctness.TransitionGuard
	cursors    cursor.Store
	managers   map[string]*connmgr.Manager
	names      []string
	listener   *chain.Listener
	rpcTips    *chain.RPCTips
	forwarders []*sink.Forwarder

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds every component without starting any I/O.
func New(opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewBackend == nil {
		opts.NewBackend = NewBackend
	}
	if opts.Cursors == nil {
		opts.Cursors = cursor.NewMemory()
	}
	if len(opts.Backends) == 0 && opts.Chain == nil {
		return nil, domain.Validation("no backends and no chain listener configured")
	}

	busCfg := opts.Bus
	busCfg.Logger = opts.Logger
	g := &Gateway{
		logger:   opts.Logger.With("component", "gateway"),
		bus:      bus.New(busCfg),
		guard:    correctness.NewTransitionGuard(opts.Guard, opts.Logger),
		cursors:  opts.Cursors,
		managers: make(map[string]*connmgr.Manager),
	}

	connCfg := opts.Conn
	connCfg.Logger = opts.Logger
	for _, bc := range opts.Backends {
		if _, dup := g.managers[bc.Name]; dup {
			return nil, domain.Validation("duplicate backend name %q", bc.Name)
		}
		backend, err := opts.NewBackend(bc, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		g.managers[bc.Name] = connmgr.New(backend, g.bus, g.guard, g.cursors, connCfg)
		g.names = append(g.names, bc.Name)
	}
	sort.Strings(g.names)

	if opts.Chain != nil {
		if err := g.buildListener(*opts.Chain, opts.Logger); err != nil {
			return nil, err
		}
	}

	fwdCfg := opts.Forwarder
	fwdCfg.Logger = opts.Logger
	for _, s := range opts.Sinks {
		g.forwarders = append(g.forwarders, sink.NewForwarder(s, g.bus, fwdCfg))
	}
	return g, nil
}

func (g *Gateway) buildListener(co ChainOptions, logger *slog.Logger) error {
	lc := co.Listener
	lc.Logger = logger
	if lc.Source == "" {
		lc.Source = chain.DefaultConfig().Source
	}
	if _, clash := g.managers[lc.Source]; clash {
		return domain.Validation("chain source %q clashes with a backend name", lc.Source)
	}

	var tips chain.TipSource
	switch {
	case co.RPC != nil:
		rpc, err := chain.NewRPCTips(*co.RPC)
		if err != nil {
			return err
		}
		g.rpcTips = rpc
		tips = rpc
	case co.TipBackend != "":
		m, ok := g.managers[co.TipBackend]
		if !ok {
			return domain.Validation("chain tip backend %q is not configured", co.TipBackend)
		}
		tips = chain.InfoTips(func(ctx context.Context) (*domain.NodeInfo, error) {
			return connmgr.Call(ctx, m, "get_info", func(ctx context.Context, b adapter.Backend) (*domain.NodeInfo, error) {
				return b.GetInfo(ctx)
			})
		})
	default:
		return domain.Validation("chain listener needs bitcoind rpc or a tip backend")
	}

	g.listener = chain.New(lc, co.Dialer, tips, g.bus, g.cursors)
	return nil
}

// Start launches the forwarders, every connection manager and the listener.
// It returns once they are running; connecting happens in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("gateway: closed")
	}
	if g.started {
		return errors.New("gateway: already started")
	}
	g.started = true

	for _, f := range g.forwarders {
		f.Start(ctx)
	}
	for _, name := range g.names {
		if err := g.managers[name].Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	if g.listener != nil {
		if err := g.listener.Start(ctx); err != nil {
			return fmt.Errorf("start chain listener: %w", err)
		}
	}
	g.logger.Info("gateway started", "backends", g.names, "chain", g.listener != nil, "sinks", len(g.forwarders))
	return nil
}

// Close stops every component. Managers end Disconnected and their streams
// are cancelled; subscriber sessions are cancelled last.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	var errs []error
	if g.listener != nil {
		errs = append(errs, g.listener.Close())
	}
	if g.rpcTips != nil {
		g.rpcTips.Close()
	}
	for _, name := range g.names {
		errs = append(errs, g.managers[name].Close())
	}
	for _, f := range g.forwarders {
		errs = append(errs, f.Close())
	}
	g.bus.Close()
	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

func (g *Gateway) Bus() *bus.Bus { return g.bus }

// Backends returns the configured backend names in sorted order.
func (g *Gateway) Backends() []string {
	return append([]string(nil), g.names...)
}

// Manager returns the connection manager of a backend.
func (g *Gateway) Manager(name string) (*connmgr.Manager, error) {
	m, ok := g.managers[name]
	if !ok {
		return nil, domain.Validation("unknown backend %q", name)
	}
	return m, nil
}

// States reports the connection state of every backend and of the chain
// listener.
func (g *Gateway) States() map[string]domain.ConnectionState {
	out := make(map[string]domain.ConnectionState, len(g.managers)+1)
	for name, m := range g.managers {
		out[name] = m.State()
	}
	if g.listener != nil {
		out[g.listener.Source()] = g.listener.State()
	}
	return out
}

// Sources lists every name events can carry as their source.
func (g *Gateway) Sources() []string {
	out := g.Backends()
	if g.listener != nil {
		out = append(out, g.listener.Source())
	}
	return out
}

// Stats collects component statistics.
func (g *Gateway) Stats() map[string]interface{} {
	backends := make(map[string]interface{}, len(g.managers))
	for name, m := range g.managers {
		backends[name] = m.Stats()
	}
	stats := map[string]interface{}{
		"bus":      g.bus.Stats(),
		"guard":    g.guard.Stats(),
		"backends": backends,
	}
	if g.listener != nil {
		stats["chain"] = g.listener.Stats()
	}
	sinks := make(map[string]interface{}, len(g.forwarders))
	for _, f := range g.forwarders {
		sinks[f.ClientID()] = f.Stats()
	}
	stats["sinks"] = sinks
	return stats
}
