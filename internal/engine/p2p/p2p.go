// Package p2p runs a libp2p host behind the process.Libp2pEngine interface.
package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

// Config configures the host.
type Config struct {
	ListenAddrs []string `mapstructure:"listen_addrs" json:"listen_addrs"`
}

func DefaultConfig() Config {
	return Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}
}

// Engine owns an identity key and, while started, a host. The peer ID stays
// the same across restarts.
type Engine struct {
	cfg  Config
	priv crypto.PrivKey
	id   peer.ID

	mu       sync.RWMutex
	h        host.Host
	status   stage.Stage
	handlers map[protocol.ID]network.StreamHandler
}

// New generates the identity. The host is created on Start.
func New(cfg Config) (*Engine, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultConfig().ListenAddrs
	}
	for _, a := range cfg.ListenAddrs {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		priv:     priv,
		id:       id,
		status:   stage.Stopped,
		handlers: make(map[protocol.ID]network.StreamHandler),
	}, nil
}

// Factory adapts New to the process layer.
func Factory(cfg Config) process.Libp2pFactory {
	return func(context.Context) (process.Libp2pEngine, error) { return New(cfg) }
}

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h != nil {
		return nil
	}
	e.status = stage.Starting
	h, err := libp2p.New(
		libp2p.Identity(e.priv),
		libp2p.ListenAddrStrings(e.cfg.ListenAddrs...),
	)
	if err != nil {
		e.status = stage.Error
		return fmt.Errorf("create host: %w", err)
	}
	for pid, hd := range e.handlers {
		h.SetStreamHandler(pid, hd)
	}
	e.h = h
	e.status = stage.Started
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h == nil {
		e.status = stage.Stopped
		return nil
	}
	e.status = stage.Stopping
	err := e.h.Close()
	e.h = nil
	e.status = stage.Stopped
	return err
}

// Close releases the host if it is still running.
func (e *Engine) Close() error {
	return e.Stop(context.Background())
}

func (e *Engine) Status() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return string(e.status)
}

// Host is the running host, or nil while stopped.
func (e *Engine) Host() host.Host {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.h
}

// SetStreamHandler registers hd now and on every later start.
func (e *Engine) SetStreamHandler(pid protocol.ID, hd network.StreamHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[pid] = hd
	if e.h != nil {
		e.h.SetStreamHandler(pid, hd)
	}
}

func (e *Engine) RemoveStreamHandler(pid protocol.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, pid)
	if e.h != nil {
		e.h.RemoveStreamHandler(pid)
	}
}

func (e *Engine) PeerID() string { return e.id.String() }

// Multiaddrs are the listen addresses with the /p2p/<id> suffix.
func (e *Engine) Multiaddrs() []string {
	h := e.Host()
	if h == nil {
		return nil
	}
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, e.id))
	}
	return out
}

func (e *Engine) Peers() []string {
	h := e.Host()
	if h == nil {
		return nil
	}
	ps := h.Network().Peers()
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}

func (e *Engine) Connections(peerID string, max int) []process.ConnInfo {
	h := e.Host()
	if h == nil {
		return nil
	}
	var peers []peer.ID
	if peerID != "" {
		p, err := peer.Decode(peerID)
		if err != nil {
			return nil
		}
		peers = []peer.ID{p}
	} else {
		peers = h.Network().Peers()
	}
	var out []process.ConnInfo
	for i, p := range peers {
		if i == max {
			break
		}
		for _, c := range h.Network().ConnsToPeer(p) {
			out = append(out, connInfo(c))
		}
	}
	return out
}

func (e *Engine) Protocols() []string {
	h := e.Host()
	if h == nil {
		return nil
	}
	ps := h.Mux().Protocols()
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, string(p))
	}
	return out
}

func (e *Engine) connect(ctx context.Context, addr string) (host.Host, *peer.AddrInfo, error) {
	h := e.Host()
	if h == nil {
		return nil, nil, fmt.Errorf("libp2p: %w", process.ErrNotStarted)
	}
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return nil, nil, fmt.Errorf("address has no peer id: %w", err)
	}
	if info.ID == e.id {
		return nil, nil, errors.New("cannot dial self")
	}
	if err := h.Connect(ctx, *info); err != nil {
		return nil, nil, err
	}
	return h, info, nil
}

func (e *Engine) Dial(ctx context.Context, addr string) (process.ConnInfo, error) {
	h, info, err := e.connect(ctx, addr)
	if err != nil {
		return process.ConnInfo{}, err
	}
	conns := h.Network().ConnsToPeer(info.ID)
	if len(conns) == 0 {
		return process.ConnInfo{}, fmt.Errorf("no connection to %s after dial", info.ID)
	}
	return connInfo(conns[0]), nil
}

// DialProtocol opens and closes a stream, proving the peer speaks protocol.
func (e *Engine) DialProtocol(ctx context.Context, addr, proto string) (process.StreamInfo, error) {
	h, info, err := e.connect(ctx, addr)
	if err != nil {
		return process.StreamInfo{}, err
	}
	s, err := h.NewStream(ctx, info.ID, protocol.ID(proto))
	if err != nil {
		return process.StreamInfo{}, err
	}
	defer func() { _ = s.Close() }()
	return process.StreamInfo{
		ID:         s.ID(),
		PeerID:     info.ID.String(),
		Protocol:   string(s.Protocol()),
		RemoteAddr: s.Conn().RemoteMultiaddr().String(),
	}, nil
}

func connInfo(c network.Conn) process.ConnInfo {
	st := c.Stat()
	return process.ConnInfo{
		ID:         c.ID(),
		PeerID:     c.RemotePeer().String(),
		RemoteAddr: c.RemoteMultiaddr().String(),
		Direction:  st.Direction.String(),
		Streams:    len(c.GetStreams()),
		Opened:     st.Opened,
	}
}
