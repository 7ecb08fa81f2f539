package orbit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

// Database types.
const (
	TypeEvents    = "events"
	TypeKeyValue  = "keyvalue"
	TypeDocuments = "documents"
)

const defaultIndexBy = "_id"

func supported(t string) bool {
	return t == TypeEvents || t == TypeKeyValue || t == TypeDocuments
}

type row struct {
	hash  string
	value json.RawMessage
}

// Database is one opened log with its materialized index. It implements
// process.DatabaseEngine.
type Database struct {
	manifest Manifest
	address  string
	bs       blockStore
	meta     *sql.DB
	ident    *identity
	onClose  func(*Database)

	mu     sync.RWMutex
	status stage.Stage
	heads  []string
	clock  uint64
	events []row          // events: append order
	keys   map[string]row // keyvalue, documents
}

func newDatabase(m Manifest, address string, bs blockStore, meta *sql.DB, id *identity) *Database {
	return &Database{manifest: m, address: address, bs: bs, meta: meta, ident: id, status: stage.Stopped}
}

// load rebuilds the index from the stored heads.
func (d *Database) load(ctx context.Context) error {
	heads, err := loadHeads(ctx, d.meta, d.address)
	if err != nil {
		return fmt.Errorf("load heads: %w", err)
	}
	entries, err := traverse(ctx, d.bs, d.address, heads)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heads = heads
	d.clock = 0
	d.events = nil
	d.keys = make(map[string]row)
	for _, e := range entries {
		d.apply(e)
	}
	d.status = stage.Started
	return nil
}

func (d *Database) apply(e *entry) {
	if e.Clock > d.clock {
		d.clock = e.Clock
	}
	switch e.Op.Type {
	case opAdd:
		d.events = append(d.events, row{hash: e.hash, value: e.Op.Value})
	case opPut:
		d.keys[e.Op.Key] = row{hash: e.hash, value: e.Op.Value}
	case opDel:
		delete(d.keys, e.Op.Key)
	}
}

func (d *Database) append(ctx context.Context, op operation) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != stage.Started {
		return "", fmt.Errorf("database %s: %w", d.manifest.Name, process.ErrNotStarted)
	}
	e := &entry{ID: d.address, Clock: d.clock + 1, Op: op, Next: append([]string(nil), d.heads...)}
	if err := e.signWith(d.ident); err != nil {
		return "", err
	}
	if err := writeEntry(ctx, d.bs, e); err != nil {
		return "", fmt.Errorf("write entry: %w", err)
	}
	if err := saveHeads(ctx, d.meta, d.address, []string{e.hash}); err != nil {
		return "", fmt.Errorf("save heads: %w", err)
	}
	d.heads = []string{e.hash}
	d.apply(e)
	return e.hash, nil
}

func (d *Database) readable() error {
	if d.status != stage.Started {
		return fmt.Errorf("database %s: %w", d.manifest.Name, process.ErrNotStarted)
	}
	return nil
}

func (d *Database) unsupported(op string) error {
	return fmt.Errorf("%s on %s database: %w", op, d.manifest.Type, process.ErrUnsupportedOp)
}

// Start reopens a stopped handle.
func (d *Database) Start(ctx context.Context) error {
	return d.load(ctx)
}

// Stop closes the handle; later operations fail until Start.
func (d *Database) Stop(context.Context) error {
	d.mu.Lock()
	d.status = stage.Stopped
	d.mu.Unlock()
	if d.onClose != nil {
		d.onClose(d)
	}
	return nil
}

func (d *Database) Status() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return string(d.status)
}

func (d *Database) Address() string { return d.address }
func (d *Database) Name() string    { return d.manifest.Name }
func (d *Database) Type() string    { return d.manifest.Type }

// Heads returns the current log heads.
func (d *Database) Heads() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.heads...)
}

func (d *Database) Add(ctx context.Context, value json.RawMessage) (string, error) {
	if d.manifest.Type != TypeEvents {
		return "", d.unsupported("add")
	}
	if !json.Valid(value) {
		return "", fmt.Errorf("add: value is not valid json")
	}
	return d.append(ctx, operation{Type: opAdd, Value: value})
}

func (d *Database) Put(ctx context.Context, key string, value json.RawMessage) (string, error) {
	switch d.manifest.Type {
	case TypeKeyValue:
		if key == "" {
			return "", fmt.Errorf("put: empty key")
		}
		if !json.Valid(value) {
			return "", fmt.Errorf("put: value is not valid json")
		}
		return d.append(ctx, operation{Type: opPut, Key: key, Value: value})
	case TypeDocuments:
		// documents take the key from the document itself
		return d.PutDoc(ctx, value)
	default:
		return "", d.unsupported("put")
	}
}

func (d *Database) PutDoc(ctx context.Context, doc json.RawMessage) (string, error) {
	if d.manifest.Type != TypeDocuments {
		return "", d.unsupported("putDoc")
	}
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return "", fmt.Errorf("putDoc: document must be a json object: %w", err)
	}
	idx := d.indexBy()
	key, ok := m[idx]
	if !ok || key == nil {
		return "", fmt.Errorf("putDoc: document has no %q field", idx)
	}
	return d.append(ctx, operation{Type: opPut, Key: fmt.Sprint(key), Value: doc})
}

func (d *Database) indexBy() string {
	if d.manifest.IndexBy != "" {
		return d.manifest.IndexBy
	}
	return defaultIndexBy
}

// Get returns the value for key; for events databases key is the entry hash.
func (d *Database) Get(_ context.Context, key string) (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.readable(); err != nil {
		return nil, err
	}
	if d.manifest.Type == TypeEvents {
		for _, r := range d.events {
			if r.hash == key {
				return r.value, nil
			}
		}
	} else if r, ok := d.keys[key]; ok {
		return r.value, nil
	}
	return nil, fmt.Errorf("key %s: %w", key, process.ErrNotFound)
}

func (d *Database) Del(ctx context.Context, key string) (string, error) {
	if d.manifest.Type == TypeEvents {
		return "", d.unsupported("del")
	}
	d.mu.RLock()
	_, ok := d.keys[key]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, process.ErrNotFound)
	}
	return d.append(ctx, operation{Type: opDel, Key: key})
}

// All returns events in append order, or keyed rows sorted by key.
func (d *Database) All(context.Context) ([]process.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.readable(); err != nil {
		return nil, err
	}
	if d.manifest.Type == TypeEvents {
		out := make([]process.Record, 0, len(d.events))
		for _, r := range d.events {
			out = append(out, process.Record{Hash: r.hash, Value: r.value})
		}
		return out, nil
	}
	keys := make([]string, 0, len(d.keys))
	for k := range d.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]process.Record, 0, len(keys))
	for _, k := range keys {
		r := d.keys[k]
		out = append(out, process.Record{Key: k, Hash: r.hash, Value: r.value})
	}
	return out, nil
}

// Query returns the documents whose fields equal every filter value.
func (d *Database) Query(ctx context.Context, filter map[string]any) ([]json.RawMessage, error) {
	if d.manifest.Type != TypeDocuments {
		return nil, d.unsupported("query")
	}
	all, err := d.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, r := range all {
		dec := json.NewDecoder(bytes.NewReader(r.Value))
		dec.UseNumber()
		var doc map[string]any
		if dec.Decode(&doc) != nil {
			continue
		}
		if matches(doc, filter) {
			out = append(out, r.Value)
		}
	}
	return out, nil
}

func matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !equalJSON(got, want) {
			return false
		}
	}
	return true
}

// equalJSON compares values after a json round trip so numbers decoded in
// different ways compare equal.
func equalJSON(a, b any) bool {
	norm := func(v any) any {
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var out any
		_ = json.Unmarshal(raw, &out)
		return out
	}
	return reflect.DeepEqual(norm(a), norm(b))
}
