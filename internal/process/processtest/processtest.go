// Package processtest provides in-memory engines for exercising the
// supervision layers without networking or storage.
package processtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

// Engine implements every engine interface with in-memory state.
type Engine struct {
	Kind string

	mu       sync.Mutex
	status   string
	starts   int
	stops    int
	closed   bool
	StartErr error
	StopErr  error
	DialErr  error

	// network
	Peer     string
	Addrs    []string
	PeerList []string
	Protos   []string
	Conns    []process.ConnInfo

	// store
	blocks map[string]json.RawMessage

	// orbitdb
	identity process.Identity
	dbs      map[string]*Engine
	OpenErr  error
	// BeforeOpen runs at the start of Open without the engine lock held.
	BeforeOpen func(name string)

	// database
	name, dbType, address string
	rows                  map[string]json.RawMessage
	order                 []string
	seq                   int
}

func newEngine(kind string) *Engine {
	return &Engine{Kind: kind, status: string(stage.Stopped)}
}

// SetStatus forces the native status, valid or not.
func (e *Engine) SetStatus(s string) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) Identity() process.Identity { return e.identity }

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		e.status = string(stage.Error)
		return e.StartErr
	}
	e.starts++
	e.status = string(stage.Started)
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StopErr != nil {
		return e.StopErr
	}
	e.stops++
	e.status = string(stage.Stopped)
	return nil
}

func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Engine) running() error {
	if e.status != string(stage.Started) {
		return fmt.Errorf("%s: %w", e.Kind, process.ErrNotStarted)
	}
	return nil
}

// network

func (e *Engine) PeerID() string       { return e.Peer }
func (e *Engine) Multiaddrs() []string { return e.Addrs }
func (e *Engine) Peers() []string      { return e.PeerList }
func (e *Engine) Protocols() []string  { return e.Protos }

func (e *Engine) Connections(peerID string, max int) []process.ConnInfo {
	var out []process.ConnInfo
	seen := map[string]bool{}
	for _, c := range e.Conns {
		if peerID != "" && c.PeerID != peerID {
			continue
		}
		if !seen[c.PeerID] && len(seen) == max {
			break
		}
		seen[c.PeerID] = true
		out = append(out, c)
	}
	return out
}

func (e *Engine) Dial(_ context.Context, addr string) (process.ConnInfo, error) {
	if e.DialErr != nil {
		return process.ConnInfo{}, e.DialErr
	}
	return process.ConnInfo{ID: "c1", PeerID: addr, RemoteAddr: addr, Direction: "outbound"}, nil
}

func (e *Engine) DialProtocol(_ context.Context, addr, protocol string) (process.StreamInfo, error) {
	if e.DialErr != nil {
		return process.StreamInfo{}, e.DialErr
	}
	return process.StreamInfo{ID: "s1", PeerID: addr, Protocol: protocol, RemoteAddr: addr}, nil
}

// store

func (e *Engine) AddJSON(_ context.Context, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	c := "f" + hex.EncodeToString(sum[:])
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blocks == nil {
		e.blocks = map[string]json.RawMessage{}
	}
	e.blocks[c] = b
	return c, nil
}

func (e *Engine) GetJSON(_ context.Context, cid string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocks[cid]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", cid, process.ErrNotFound)
	}
	return b, nil
}

// orbitdb

func (e *Engine) ID() string { return "id-" + e.identity.Provider }

func (e *Engine) Open(_ context.Context, opts process.DatabaseOptions) (process.DatabaseEngine, error) {
	if e.BeforeOpen != nil {
		e.BeforeOpen(opts.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	if e.status != string(stage.Started) {
		return nil, fmt.Errorf("orbitdb: %w", process.ErrNotStarted)
	}
	if e.dbs == nil {
		e.dbs = map[string]*Engine{}
	}
	key := strings.TrimPrefix(opts.Name, process.AddressPrefix)
	if db, ok := e.dbs[key]; ok {
		return db, nil
	}
	typ := opts.Type
	if typ == "" {
		typ = "events"
	}
	db := newEngine("db")
	db.status = string(stage.Started)
	db.name = opts.Name
	db.dbType = typ
	db.address = process.AddressPrefix + key
	db.rows = map[string]json.RawMessage{}
	e.dbs[key] = db
	return db, nil
}

// database

func (e *Engine) Address() string { return e.address }
func (e *Engine) Name() string    { return e.name }
func (e *Engine) Type() string    { return e.dbType }

func (e *Engine) write(key string, v json.RawMessage) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.running(); err != nil {
		return "", err
	}
	e.seq++
	hash := fmt.Sprintf("h%d", e.seq)
	if key == "" {
		key = hash
	}
	if _, ok := e.rows[key]; !ok {
		e.order = append(e.order, key)
	}
	e.rows[key] = v
	return hash, nil
}

func (e *Engine) Add(_ context.Context, v json.RawMessage) (string, error) {
	if e.dbType != "events" {
		return "", process.ErrUnsupportedOp
	}
	return e.write("", v)
}

func (e *Engine) Put(_ context.Context, key string, v json.RawMessage) (string, error) {
	if e.dbType == "events" {
		return "", process.ErrUnsupportedOp
	}
	return e.write(key, v)
}

func (e *Engine) PutDoc(_ context.Context, doc json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return "", err
	}
	id, _ := m["_id"].(string)
	if id == "" {
		return "", errors.New("document has no _id")
	}
	return e.write(id, doc)
}

func (e *Engine) Get(_ context.Context, key string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.rows[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, process.ErrNotFound)
	}
	return v, nil
}

func (e *Engine) Del(_ context.Context, key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rows[key]; !ok {
		return "", fmt.Errorf("key %s: %w", key, process.ErrNotFound)
	}
	delete(e.rows, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.seq++
	return fmt.Sprintf("h%d", e.seq), nil
}

func (e *Engine) All(context.Context) ([]process.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]process.Record, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, process.Record{Key: k, Hash: k, Value: e.rows[k]})
	}
	return out, nil
}

func (e *Engine) Query(_ context.Context, filter map[string]any) ([]json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := append([]string(nil), e.order...)
	sort.Strings(keys)
	var out []json.RawMessage
	for _, k := range keys {
		var m map[string]any
		if json.Unmarshal(e.rows[k], &m) != nil {
			continue
		}
		match := true
		for fk, fv := range filter {
			if fmt.Sprint(m[fk]) != fmt.Sprint(fv) {
				match = false
				break
			}
		}
		if match {
			out = append(out, e.rows[k])
		}
	}
	return out, nil
}

// Factories hands out engines and remembers them for assertions.
type Factories struct {
	mu      sync.Mutex
	Network []*Engine
	Stores  []*Engine
	Orbits  []*Engine

	// Fail makes the next factory call of that kind fail.
	Fail map[string]error
	// Configure runs on every engine before it is returned.
	Configure func(*Engine)
}

func (f *Factories) build(kind string) (*Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail[kind]; err != nil {
		delete(f.Fail, kind)
		return nil, err
	}
	e := newEngine(kind)
	switch kind {
	case "libp2p":
		e.Peer = fmt.Sprintf("12D3KooWFake%d", len(f.Network)+1)
		e.Addrs = []string{"/ip4/127.0.0.1/tcp/4001/p2p/" + e.Peer}
		e.Protos = []string{"/ipfs/id/1.0.0"}
		f.Network = append(f.Network, e)
	case "ipfs":
		f.Stores = append(f.Stores, e)
	case "orbitdb":
		f.Orbits = append(f.Orbits, e)
	}
	if f.Configure != nil {
		f.Configure(e)
	}
	return e, nil
}

func (f *Factories) Libp2p() process.Libp2pFactory {
	return func(context.Context) (process.Libp2pEngine, error) { return f.build("libp2p") }
}

func (f *Factories) Ipfs() process.IpfsFactory {
	return func(_ context.Context, net process.Libp2pEngine) (process.IpfsEngine, error) {
		if net == nil {
			return nil, errors.New("nil network")
		}
		return f.build("ipfs")
	}
}

func (f *Factories) OrbitDb() process.OrbitDbFactory {
	return func(_ context.Context, store process.IpfsEngine, id process.Identity) (process.OrbitDbEngine, error) {
		if store == nil {
			return nil, errors.New("nil store")
		}
		e, err := f.build("orbitdb")
		if err != nil {
			return nil, err
		}
		e.identity = id
		return e, nil
	}
}
