// Package blocks is a content-addressed block store over badger with a
// small libp2p exchange protocol for fetching blocks from connected peers.
package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multihash"

	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

// ProtocolID is the block exchange protocol.
const ProtocolID protocol.ID = "/lunarpod/blocks/1.0.0"

// MaxBlockSize bounds blocks accepted from peers.
const MaxBlockSize = 4 << 20

// Config configures the store. An empty Dir keeps blocks in memory.
type Config struct {
	Dir          string        `mapstructure:"dir" json:"dir"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	Logger       *slog.Logger  `mapstructure:"-" json:"-"`
}

// streamHost is what the store needs from the libp2p engine.
type streamHost interface {
	Host() host.Host
	SetStreamHandler(protocol.ID, network.StreamHandler)
	RemoveStreamHandler(protocol.ID)
}

// Engine implements process.IpfsEngine.
type Engine struct {
	db      *badger.DB
	net     streamHost
	timeout time.Duration
	log     *slog.Logger
	peer    string

	mu     sync.RWMutex
	status stage.Stage
}

// Open opens the store. net may be nil, which disables the exchange.
func Open(cfg Config, net streamHost) (*Engine, error) {
	db, err := openBadger(cfg.Dir, cfg.Logger)
	if err != nil {
		return nil, err
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Engine{db: db, net: net, timeout: timeout, log: l, status: stage.Stopped}, nil
}

// Factory opens one store per network engine. With a Dir configured each
// peer gets its own subdirectory.
func Factory(cfg Config) process.IpfsFactory {
	return func(_ context.Context, net process.Libp2pEngine) (process.IpfsEngine, error) {
		c := cfg
		if c.Dir != "" {
			c.Dir = filepath.Join(c.Dir, net.PeerID())
		}
		n, _ := net.(streamHost)
		e, err := Open(c, n)
		if err != nil {
			return nil, err
		}
		e.peer = net.PeerID()
		return e, nil
	}
}

// PeerID is the id of the network engine the store was built for, empty
// for a standalone store.
func (e *Engine) PeerID() string { return e.peer }

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.net != nil {
		e.net.SetStreamHandler(ProtocolID, e.serve)
	}
	e.status = stage.Started
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.net != nil {
		e.net.RemoveStreamHandler(ProtocolID)
	}
	e.status = stage.Stopped
	return nil
}

func (e *Engine) Status() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return string(e.status)
}

func (e *Engine) started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status == stage.Started
}

// Close releases the badger database.
func (e *Engine) Close() error {
	_ = e.Stop(context.Background())
	return e.db.Close()
}

// Sum computes the CIDv1 of data under codec without storing it.
func Sum(codec uint64, data []byte) (cid.Cid, error) {
	return cid.Prefix{Version: 1, Codec: codec, MhType: multihash.SHA2_256, MhLength: -1}.Sum(data)
}

// Put stores data and returns its CID.
func (e *Engine) Put(_ context.Context, codec uint64, data []byte) (cid.Cid, error) {
	c, err := Sum(codec, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := e.putLocal(c, data); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func (e *Engine) putLocal(c cid.Cid, data []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.Bytes(), data)
	})
}

// Has reports whether c is stored locally.
func (e *Engine) Has(c cid.Cid) (bool, error) {
	_, err := e.getLocal(c)
	if errors.Is(err, process.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) getLocal(c cid.Cid) ([]byte, error) {
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.Bytes())
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("block %s: %w", c, process.ErrNotFound)
	}
	return out, err
}

// Get returns the block for c, asking connected peers on a local miss while
// started.
func (e *Engine) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := e.getLocal(c)
	if err == nil || !errors.Is(err, process.ErrNotFound) || !e.started() {
		return data, err
	}
	data, ferr := e.fetch(ctx, c)
	if ferr != nil {
		e.log.Debug("block fetch failed", "cid", c.String(), "error", ferr)
		return nil, err
	}
	if err := e.putLocal(c, data); err != nil {
		return nil, err
	}
	return data, nil
}

// AddJSON encodes v as dag-json and stores it.
func (e *Engine) AddJSON(ctx context.Context, v any) (string, error) {
	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		if !json.Valid(raw) {
			return "", errors.New("invalid json")
		}
		data = raw
	case []byte:
		if !json.Valid(raw) {
			return "", errors.New("invalid json")
		}
		data = raw
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		data = b
	}
	c, err := e.Put(ctx, cid.DagJSON, data)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// GetJSON loads a JSON block by its CID string.
func (e *Engine) GetJSON(ctx context.Context, s string) (json.RawMessage, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cid %q: %w", s, err)
	}
	data, err := e.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("block %s is not json", c)
	}
	return data, nil
}
