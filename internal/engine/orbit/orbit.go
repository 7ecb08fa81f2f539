// Package orbit is a small OrbitDB-style database engine: databases are
// signed operation logs stored as blocks, addressed by their manifest CID.
package orbit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

// Config configures the engine. An empty Dir keeps the keystore and heads in
// memory.
type Config struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// Manifest describes a database; its CID is the database address.
type Manifest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	IndexBy  string `json:"indexBy,omitempty"`
	Identity string `json:"identity"`
}

// Engine implements process.OrbitDbEngine.
type Engine struct {
	bs    blockStore
	meta  *sql.DB
	ident *identity

	mu     sync.Mutex
	status stage.Stage
	open   map[string]*Database
}

// New builds the engine over bs.
func New(ctx context.Context, cfg Config, bs blockStore, id process.Identity) (*Engine, error) {
	meta, err := openMeta(cfg.Dir)
	if err != nil {
		return nil, err
	}
	ident, err := newIdentity(ctx, meta, id)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}
	return &Engine{bs: bs, meta: meta, ident: ident, status: stage.Stopped, open: make(map[string]*Database)}, nil
}

// Factory adapts New to the process layer. The store must also expose raw
// block access, which the blocks engine does.
func Factory(cfg Config) process.OrbitDbFactory {
	return func(ctx context.Context, store process.IpfsEngine, id process.Identity) (process.OrbitDbEngine, error) {
		bs, ok := store.(blockStore)
		if !ok {
			return nil, fmt.Errorf("content store %T has no block access", store)
		}
		c := cfg
		if c.Dir != "" {
			if p, ok := store.(interface{ PeerID() string }); ok && p.PeerID() != "" {
				c.Dir = filepath.Join(c.Dir, p.PeerID())
			}
		}
		return New(ctx, c, bs, id)
	}
}

func (e *Engine) ID() string { return e.ident.id }

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = stage.Started
	return nil
}

// Stop closes every open database.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	dbs := make([]*Database, 0, len(e.open))
	for _, d := range e.open {
		dbs = append(dbs, d)
	}
	e.open = make(map[string]*Database)
	e.status = stage.Stopped
	e.mu.Unlock()
	var errs []error
	for _, d := range dbs {
		d.onClose = nil
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.status)
}

// Close stops the engine and closes the keystore.
func (e *Engine) Close() error {
	err := e.Stop(context.Background())
	return errors.Join(err, e.meta.Close())
}

// Open opens by address when opts.Name starts with /orbitdb/, otherwise
// creates the manifest for name and type. Opening an already open address
// returns the same handle.
func (e *Engine) Open(ctx context.Context, opts process.DatabaseOptions) (process.DatabaseEngine, error) {
	e.mu.Lock()
	started := e.status == stage.Started
	e.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("orbitdb: %w", process.ErrNotStarted)
	}

	var (
		m    Manifest
		addr string
		err  error
	)
	if strings.HasPrefix(opts.Name, process.AddressPrefix) {
		m, addr, err = e.resolve(ctx, opts.Name)
	} else {
		m, addr, err = e.create(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if d, ok := e.open[addr]; ok {
		e.mu.Unlock()
		return d, nil
	}
	e.mu.Unlock()

	d := newDatabase(m, addr, e.bs, e.meta, e.ident)
	if err := d.load(ctx); err != nil {
		return nil, fmt.Errorf("load %s: %w", addr, err)
	}
	d.onClose = e.forget

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.open[addr]; ok {
		return existing, nil
	}
	e.open[addr] = d
	return d, nil
}

func (e *Engine) forget(d *Database) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open[d.address] == d {
		delete(e.open, d.address)
	}
}

func (e *Engine) create(ctx context.Context, opts process.DatabaseOptions) (Manifest, string, error) {
	if opts.Name == "" {
		return Manifest{}, "", errors.New("database name is required")
	}
	typ := strings.ToLower(opts.Type)
	if typ == "" {
		typ = TypeEvents
	}
	if !supported(typ) {
		return Manifest{}, "", fmt.Errorf("unsupported database type %q", opts.Type)
	}
	m := Manifest{Name: opts.Name, Type: typ, Identity: e.ident.id}
	if typ == TypeDocuments {
		m.IndexBy = opts.IndexBy
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, "", err
	}
	c, err := e.bs.Put(ctx, cid.DagJSON, b)
	if err != nil {
		return Manifest{}, "", fmt.Errorf("store manifest: %w", err)
	}
	return m, process.AddressPrefix + c.String(), nil
}

func (e *Engine) resolve(ctx context.Context, address string) (Manifest, string, error) {
	rest := strings.TrimPrefix(address, process.AddressPrefix)
	// tolerate a trailing name segment like /orbitdb/<cid>/name
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	c, err := cid.Decode(rest)
	if err != nil {
		return Manifest{}, "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	b, err := e.bs.Get(ctx, c)
	if err != nil {
		return Manifest{}, "", fmt.Errorf("manifest %s: %w", c, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, "", fmt.Errorf("decode manifest %s: %w", c, err)
	}
	if !supported(m.Type) {
		return Manifest{}, "", fmt.Errorf("unsupported database type %q", m.Type)
	}
	return m, process.AddressPrefix + c.String(), nil
}
