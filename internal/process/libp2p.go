package process

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/stage"
)

// DefaultMaxConnections caps Connections when no limit is given.
const DefaultMaxConnections = 10

// ConnInfo describes one open connection.
type ConnInfo struct {
	ID         string    `json:"id"`
	PeerID     string    `json:"peerId"`
	RemoteAddr string    `json:"remoteAddr"`
	Direction  string    `json:"direction"`
	Streams    int       `json:"streams"`
	Opened     time.Time `json:"opened"`
}

// StreamInfo describes a stream opened by DialProtocol.
type StreamInfo struct {
	ID         string `json:"id"`
	PeerID     string `json:"peerId"`
	Protocol   string `json:"protocol"`
	RemoteAddr string `json:"remoteAddr"`
}

// Libp2pEngine is a network host.
type Libp2pEngine interface {
	Engine
	PeerID() string
	Multiaddrs() []string
	Peers() []string
	// Connections returns the connections to peerID, or to every peer when
	// peerID is empty, stopping once max peers have been collected.
	Connections(peerID string, max int) []ConnInfo
	Protocols() []string
	Dial(ctx context.Context, addr string) (ConnInfo, error)
	DialProtocol(ctx context.Context, addr, protocol string) (StreamInfo, error)
}

// Libp2pFactory builds the network engine.
type Libp2pFactory func(ctx context.Context) (Libp2pEngine, error)

type Libp2pOptions struct {
	Engine Libp2pFactory
	// AutoStart starts the host right after Init.
	AutoStart bool
}

// Libp2p supervises the network engine.
type Libp2p struct {
	Base[Libp2pEngine]
	opts Libp2pOptions
}

func NewLibp2p(id idref.Reference, log *logbook.Logger, opts Libp2pOptions) *Libp2p {
	p := &Libp2p{opts: opts}
	p.bind(id, log)
	return p
}

func (p *Libp2p) Init(ctx context.Context) error {
	if p.opts.Engine == nil {
		err := fmt.Errorf("%w: no libp2p engine factory", ErrMissingDependency)
		p.log.Error(logbook.CodeError, stage.Error, "init failed", err)
		return err
	}
	if err := p.initWith(ctx, func(ctx context.Context) (Libp2pEngine, error) { return p.opts.Engine(ctx) }); err != nil {
		return err
	}
	if p.opts.AutoStart {
		return p.Start(ctx)
	}
	return nil
}

func (p *Libp2p) PeerID() (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return e.PeerID(), nil
}

func (p *Libp2p) Multiaddrs() ([]string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	return e.Multiaddrs(), nil
}

func (p *Libp2p) Peers() ([]string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	return e.Peers(), nil
}

// Connections returns at most max peers' connections; max <= 0 means
// DefaultMaxConnections.
func (p *Libp2p) Connections(peerID string, max int) ([]ConnInfo, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return e.Connections(peerID, max), nil
}

func (p *Libp2p) Protocols() ([]string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	return e.Protocols(), nil
}

// Dial connects to addr. Failures are logged here; callers only need to
// inspect the returned error.
func (p *Libp2p) Dial(ctx context.Context, addr string) (ConnInfo, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return ConnInfo{}, err
	}
	c, err := e.Dial(ctx, addr)
	if err != nil {
		p.log.Error(logbook.CodeUnavailable, p.Status(), fmt.Sprintf("dial %s failed", addr), err)
		return ConnInfo{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	p.log.Info(p.Status(), fmt.Sprintf("connected to %s", c.PeerID))
	return c, nil
}

// DialProtocol opens a stream for protocol on addr. Failures are logged here.
func (p *Libp2p) DialProtocol(ctx context.Context, addr, protocol string) (StreamInfo, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return StreamInfo{}, err
	}
	s, err := e.DialProtocol(ctx, addr, protocol)
	if err != nil {
		p.log.Error(logbook.CodeUnavailable, p.Status(), fmt.Sprintf("dial %s on %s failed", protocol, addr), err)
		return StreamInfo{}, fmt.Errorf("dial protocol %s: %w", protocol, err)
	}
	return s, nil
}
