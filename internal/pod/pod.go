// Package pod composes the engine wrappers of one LunarPod and enforces their
// bootstrap order: libp2p, then ipfs, then orbitdb, then opened databases.
package pod

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

// All targets every component of a pod.
const All = "all"

// ErrUnknownComponent is returned for a target that names no pod component.
var ErrUnknownComponent = errors.New("unknown component")

// Engines holds the factories used to build the engines of a pod.
type Engines struct {
	Libp2p  process.Libp2pFactory
	Ipfs    process.IpfsFactory
	OrbitDb process.OrbitDbFactory
}

type Options struct {
	Engines  Engines
	Identity process.Identity
	// AutoStart starts libp2p right after it is initialized.
	AutoStart bool
	// NameType generates names for databases opened without one.
	NameType idref.NameType
}

// ParseTarget validates a component target. Empty means All.
func ParseTarget(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == All {
		return All, nil
	}
	c, ok := idref.ParseComponent(s)
	if ok {
		switch c {
		case idref.ComponentLibp2p, idref.ComponentIpfs, idref.ComponentOrbitDb, idref.ComponentDb:
			return string(c), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownComponent, s)
}

// LunarPod owns at most one wrapper per engine kind and a set of opened
// databases keyed by name.
type LunarPod struct {
	id    idref.Reference
	books *logbook.Manager
	log   *logbook.Logger
	opts  Options

	// opMu serializes init, start, stop and close across the pod.
	opMu sync.Mutex

	mu      sync.RWMutex
	libp2p  *process.Libp2p
	ipfs    *process.Ipfs
	orbitDb *process.OrbitDb
	dbs     map[string]*process.OpenDb
}

func New(id idref.Reference, books *logbook.Manager, opts Options) *LunarPod {
	return &LunarPod{
		id:    id,
		books: books,
		log:   books.Logger(idref.ComponentPod).WithPod(id),
		opts:  opts,
		dbs:   make(map[string]*process.OpenDb),
	}
}

func (p *LunarPod) ID() idref.Reference { return p.id }

func (p *LunarPod) Libp2p() *process.Libp2p {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.libp2p
}

func (p *LunarPod) Ipfs() *process.Ipfs {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ipfs
}

func (p *LunarPod) OrbitDb() *process.OrbitDb {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.orbitDb
}

// DB returns the database opened under name.
func (p *LunarPod) DB(name string) (*process.OpenDb, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.dbs[name]
	return db, ok
}

// DbNames returns the names of the opened databases, sorted.
func (p *LunarPod) DbNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.dbs))
	for n := range p.dbs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dbs returns the opened databases sorted by name.
func (p *LunarPod) Dbs() []*process.OpenDb {
	names := p.DbNames()
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*process.OpenDb, 0, len(names))
	for _, n := range names {
		if db, ok := p.dbs[n]; ok {
			out = append(out, db)
		}
	}
	return out
}

// Components returns the references of every wrapper the pod holds.
func (p *LunarPod) Components() []idref.Reference {
	p.mu.RLock()
	var out []idref.Reference
	if p.libp2p != nil {
		out = append(out, p.libp2p.ID())
	}
	if p.ipfs != nil {
		out = append(out, p.ipfs.ID())
	}
	if p.orbitDb != nil {
		out = append(out, p.orbitDb.ID())
	}
	p.mu.RUnlock()
	for _, db := range p.Dbs() {
		out = append(out, db.ID())
	}
	return out
}

func (p *LunarPod) ref(c idref.Component) idref.Reference {
	return idref.New(c, p.id.Name(), p.id.NameType())
}

// InitLibp2p builds the network wrapper if absent and initializes it.
func (p *LunarPod) InitLibp2p(ctx context.Context) (*process.Libp2p, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.initLibp2p(ctx)
}

func (p *LunarPod) initLibp2p(ctx context.Context) (*process.Libp2p, error) {
	l := p.Libp2p()
	if l == nil {
		l = process.NewLibp2p(p.ref(idref.ComponentLibp2p), p.log, process.Libp2pOptions{
			Engine:    p.opts.Engines.Libp2p,
			AutoStart: p.opts.AutoStart,
		})
		p.mu.Lock()
		p.libp2p = l
		p.mu.Unlock()
	}
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// InitIpfs initializes libp2p first, then the content store bound to it.
func (p *LunarPod) InitIpfs(ctx context.Context) (*process.Ipfs, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.initIpfs(ctx)
}

func (p *LunarPod) initIpfs(ctx context.Context) (*process.Ipfs, error) {
	l, err := p.initLibp2p(ctx)
	if err != nil {
		return nil, err
	}
	s := p.Ipfs()
	if s == nil {
		s, err = process.NewIpfs(p.ref(idref.ComponentIpfs), p.log, process.IpfsOptions{
			Libp2p: l,
			Engine: p.opts.Engines.Ipfs,
		})
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.ipfs = s
		p.mu.Unlock()
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// InitOrbitDb initializes the content store, promotes libp2p and ipfs to
// started and then builds and starts the database engine.
func (p *LunarPod) InitOrbitDb(ctx context.Context) (*process.OrbitDb, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.initOrbitDb(ctx)
}

func (p *LunarPod) initOrbitDb(ctx context.Context) (*process.OrbitDb, error) {
	s, err := p.initIpfs(ctx)
	if err != nil {
		return nil, err
	}
	if err := promote(ctx, &s.Libp2p().Base); err != nil {
		return nil, err
	}
	if err := promote(ctx, &s.Base); err != nil {
		return nil, err
	}
	o := p.OrbitDb()
	if o == nil {
		o, err = process.NewOrbitDb(p.ref(idref.ComponentOrbitDb), p.log, process.OrbitDbOptions{
			Ipfs:     s,
			Identity: p.opts.Identity,
			Engine:   p.opts.Engines.OrbitDb,
		})
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.orbitDb = o
		p.mu.Unlock()
	}
	if err := o.Init(ctx); err != nil {
		return nil, err
	}
	if err := promote(ctx, &o.Base); err != nil {
		return nil, err
	}
	return o, nil
}

// promote starts a wrapper that is not already up.
func promote[E process.Engine](ctx context.Context, b *process.Base[E]) error {
	if b.CheckStatus(true).Active() {
		return nil
	}
	return b.Start(ctx)
}

// InitOpenDb opens a database on this pod, building the engine stack as
// needed. A name already open returns the tracked handle. When the open
// fails the whole pod is stopped.
func (p *LunarPod) InitOpenDb(ctx context.Context, opts process.DatabaseOptions) (*process.OpenDb, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		opts.Name = idref.Generate(p.opts.NameType)
	}
	if db, ok := p.DB(opts.Name); ok {
		p.log.Debug(fmt.Sprintf("database %s already open", opts.Name))
		return db, nil
	}

	db, err := p.openDb(ctx, opts)
	if err != nil {
		p.log.Error(logbook.CodeError, stage.Error, fmt.Sprintf("open database %s failed, stopping pod", opts.Name), err)
		if serr := p.stop(ctx, All); serr != nil {
			err = errors.Join(err, serr)
		}
		return nil, err
	}
	p.mu.Lock()
	p.dbs[opts.Name] = db
	p.mu.Unlock()
	p.log.Info(db.Status(), fmt.Sprintf("database %s registered", opts.Name))
	return db, nil
}

func (p *LunarPod) openDb(ctx context.Context, opts process.DatabaseOptions) (*process.OpenDb, error) {
	o, err := p.initOrbitDb(ctx)
	if err != nil {
		return nil, err
	}
	db, err := process.NewOpenDb(idref.New(idref.ComponentDb, opts.Name, p.opts.NameType), p.log, process.OpenDbOptions{
		OrbitDb:  o,
		Database: opts,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	return db, nil
}

// StopDb stops the named database and forgets it.
func (p *LunarPod) StopDb(ctx context.Context, name string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	db, ok := p.dbs[name]
	delete(p.dbs, name)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("database %s: %w", name, process.ErrNotFound)
	}
	err := db.Stop(ctx)
	if cerr := db.Close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	p.log.Info(stage.Stopped, fmt.Sprintf("database %s closed", name))
	return err
}

// Init initializes one component or, for All, the full engine stack.
// Databases are opened with InitOpenDb.
func (p *LunarPod) Init(ctx context.Context, target string) error {
	t, err := ParseTarget(target)
	if err != nil {
		return err
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	switch idref.Component(t) {
	case idref.ComponentLibp2p:
		_, err = p.initLibp2p(ctx)
	case idref.ComponentIpfs:
		_, err = p.initIpfs(ctx)
	case idref.ComponentOrbitDb, All:
		_, err = p.initOrbitDb(ctx)
	case idref.ComponentDb:
		err = fmt.Errorf("%w: databases are opened by name", ErrUnknownComponent)
	}
	return err
}

// Start starts one component or, for All, everything in bootstrap order.
func (p *LunarPod) Start(ctx context.Context, target string) error {
	t, err := ParseTarget(target)
	if err != nil {
		return err
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.log.Info(stage.Starting, fmt.Sprintf("starting %s", t))
	return p.each(t, false, func(s starter) error { return s.Start(ctx) })
}

// Stop stops one component or, for All, everything in reverse bootstrap
// order: databases, orbitdb, ipfs, libp2p.
func (p *LunarPod) Stop(ctx context.Context, target string) error {
	t, err := ParseTarget(target)
	if err != nil {
		return err
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stop(ctx, t)
}

func (p *LunarPod) stop(ctx context.Context, t string) error {
	p.log.Info(stage.Stopping, fmt.Sprintf("stopping %s", t))
	return p.each(t, true, func(s starter) error { return s.Stop(ctx) })
}

// Restart stops then starts the target.
func (p *LunarPod) Restart(ctx context.Context, target string) error {
	if err := p.Stop(ctx, target); err != nil {
		return err
	}
	return p.Start(ctx, target)
}

type starter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HasProcess() bool
}

// each applies fn to the selected wrappers in bootstrap order, or reversed.
// Wrappers without an engine are skipped and every error is collected.
func (p *LunarPod) each(t string, reverse bool, fn func(starter) error) error {
	p.mu.RLock()
	var chain []starter
	if p.libp2p != nil && (t == All || t == string(idref.ComponentLibp2p)) {
		chain = append(chain, p.libp2p)
	}
	if p.ipfs != nil && (t == All || t == string(idref.ComponentIpfs)) {
		chain = append(chain, p.ipfs)
	}
	if p.orbitDb != nil && (t == All || t == string(idref.ComponentOrbitDb)) {
		chain = append(chain, p.orbitDb)
	}
	p.mu.RUnlock()
	if t == All || t == string(idref.ComponentDb) {
		for _, db := range p.Dbs() {
			chain = append(chain, db)
		}
	}
	if reverse {
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
	}
	var errs []error
	for _, s := range chain {
		if !s.HasProcess() {
			continue
		}
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops everything and releases the engines. The pod can be
// initialized again afterwards.
func (p *LunarPod) Close(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	var errs []error
	if err := p.stop(ctx, All); err != nil {
		errs = append(errs, err)
	}
	for _, db := range p.Dbs() {
		if err := db.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.mu.Lock()
	o, s, l := p.orbitDb, p.ipfs, p.libp2p
	p.dbs = make(map[string]*process.OpenDb)
	p.orbitDb, p.ipfs, p.libp2p = nil, nil, nil
	p.mu.Unlock()
	if o != nil {
		errs = append(errs, o.Close(ctx))
	}
	if s != nil {
		errs = append(errs, s.Close(ctx))
	}
	if l != nil {
		errs = append(errs, l.Close(ctx))
	}
	p.log.Info(stage.Stopped, "pod closed")
	return errors.Join(errs...)
}
