// Package podbay is the registry of pods. It arbitrates database names so
// that a name is open in at most one pod at a time.
package podbay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/metrics"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

var (
	ErrPodExists   = errors.New("pod already exists")
	ErrPodNotFound = errors.New("pod not found")
	ErrDBNotFound  = errors.New("database not found")
)

type Options struct {
	// Pod is applied to every pod the bay creates.
	Pod pod.Options
	// NameType generates ids for pods created without one.
	NameType idref.NameType
	// OpenTimeout bounds a shared database open. Zero means defaultOpenTimeout.
	OpenTimeout time.Duration
}

const defaultOpenTimeout = 2 * time.Minute

// OpenRequest asks for a database by name.
type OpenRequest struct {
	// OrbitDbID prefers an existing pod whose orbitdb matches and that has
	// no database open yet.
	OrbitDbID string `json:"orbitDbId,omitempty"`
	Name      string `json:"dbName"`
	Type      string `json:"dbType,omitempty"`
	IndexBy   string `json:"indexBy,omitempty"`
}

// Opened is an open database together with its owning pod.
type Opened struct {
	Db      *process.OpenDb
	Address string
	PodID   idref.Reference
}

// PodBay holds the pods in creation order.
type PodBay struct {
	books *logbook.Manager
	log   *logbook.Logger
	opts  Options

	mu   sync.RWMutex
	pods []*pod.LunarPod
	// claimed marks pods picked by an OpenDb in flight.
	claimed map[string]bool

	flight singleflight.Group
}

func New(books *logbook.Manager, opts Options) *PodBay {
	return &PodBay{
		books:   books,
		log:     books.Logger(idref.ComponentPodBay),
		opts:    opts,
		claimed: make(map[string]bool),
	}
}

// Books is the log book manager the bay and its pods write to.
func (b *PodBay) Books() *logbook.Manager { return b.books }

// NewPod registers a pod. An empty id is generated. When component is set
// the pod bootstraps it before being registered.
func (b *PodBay) NewPod(ctx context.Context, id, component string) (idref.Reference, error) {
	ref := idref.New(idref.ComponentPod, id, b.opts.NameType)
	p := pod.New(ref, b.books, b.opts.Pod)
	if component != "" {
		if err := p.Init(ctx, component); err != nil {
			b.log.WithPod(ref).Error(logbook.CodeError, stage.Error, fmt.Sprintf("bootstrap %s failed", component), err)
			_ = p.Close(ctx)
			return idref.Reference{}, err
		}
	}
	if err := b.add(p, false); err != nil {
		_ = p.Close(ctx)
		return idref.Reference{}, err
	}
	return ref, nil
}

// add registers p. A claimed pod is marked under the same lock so that no
// concurrent OpenDb can pick it before its database is open.
func (b *PodBay) add(p *pod.LunarPod, claimed bool) error {
	b.mu.Lock()
	for _, q := range b.pods {
		if q.ID().Name() == p.ID().Name() {
			b.mu.Unlock()
			err := fmt.Errorf("%w: %s", ErrPodExists, p.ID())
			b.log.Error(logbook.CodeConflict, stage.Error, "pod id already registered", err)
			return err
		}
	}
	b.pods = append(b.pods, p)
	if claimed {
		b.claimed[p.ID().Name()] = true
	}
	n := len(b.pods)
	b.mu.Unlock()
	metrics.SetPods(n)
	b.log.WithPod(p.ID()).Info(stage.New, "pod registered")
	return nil
}

// GetPod finds a pod by bare or qualified id.
func (b *PodBay) GetPod(id string) (*pod.LunarPod, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.pods {
		if p.ID().Matches(id) {
			return p, nil
		}
	}
	b.log.Warn(logbook.CodeNotFound, stage.Unknown, fmt.Sprintf("pod %s not found", id))
	return nil, fmt.Errorf("%w: %s", ErrPodNotFound, id)
}

// Pods returns the registered pods in creation order.
func (b *PodBay) Pods() []*pod.LunarPod {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*pod.LunarPod(nil), b.pods...)
}

// Statuses snapshots every pod.
func (b *PodBay) Statuses() []pod.Status {
	pods := b.Pods()
	out := make([]pod.Status, 0, len(pods))
	for _, p := range pods {
		out = append(out, p.Status())
	}
	return out
}

// RemovePod stops every database of the pod, then the pod, then drops it
// from the registry.
func (b *PodBay) RemovePod(ctx context.Context, id string) error {
	p, err := b.GetPod(id)
	if err != nil {
		return err
	}
	log := b.log.WithPod(p.ID())
	var errs []error
	for _, name := range p.DbNames() {
		if err := p.StopDb(ctx, name); err != nil {
			errs = append(errs, err)
		}
		log.Info(stage.Stopped, fmt.Sprintf("database %s stopped", name))
	}
	if err := p.Stop(ctx, pod.All); err != nil {
		errs = append(errs, err)
	}
	log.Info(stage.Stopped, "pod stopped")
	if err := p.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	b.remove(p)
	log.Info(stage.Completed, "pod removed")
	return errors.Join(errs...)
}

func (b *PodBay) remove(p *pod.LunarPod) {
	b.mu.Lock()
	for i, q := range b.pods {
		if q == p {
			b.pods = append(b.pods[:i], b.pods[i+1:]...)
			break
		}
	}
	delete(b.claimed, p.ID().Name())
	n := len(b.pods)
	b.mu.Unlock()
	metrics.SetPods(n)
	b.refreshOpenDbs()
}

// GetOpenDb finds an open database by name or, when no database has that
// name, by its qualified id ("db-<name>").
func (b *PodBay) GetOpenDb(name string) (Opened, bool) {
	name = strings.TrimSpace(name)
	if o, ok := b.openByName(name); ok {
		return o, true
	}
	for _, p := range b.Pods() {
		for _, db := range p.Dbs() {
			if db.ID().Matches(name) {
				return opened(p, db), true
			}
		}
	}
	return Opened{}, false
}

// openByName matches the database name exactly. Name arbitration uses only
// this lookup.
func (b *PodBay) openByName(name string) (Opened, bool) {
	for _, p := range b.Pods() {
		if db, ok := p.DB(name); ok {
			return opened(p, db), true
		}
	}
	return Opened{}, false
}

func opened(p *pod.LunarPod, db *process.OpenDb) Opened {
	o := Opened{Db: db, PodID: p.ID()}
	if e, ok := db.Engine(); ok {
		o.Address = e.Address()
	}
	return o
}

// GetAllOpenDbNames lists the database names open across the bay.
func (b *PodBay) GetAllOpenDbNames() []string {
	var out []string
	for _, p := range b.Pods() {
		out = append(out, p.DbNames()...)
	}
	return out
}

func (b *PodBay) refreshOpenDbs() {
	metrics.SetOpenDbs(len(b.GetAllOpenDbNames()))
}

// OpenDb returns the database open under req.Name, opening it when no pod
// holds it. Concurrent calls for one name share a single open. A failed open
// removes the pod it was attempted on.
//
// The shared open is detached from ctx so one caller giving up does not fail
// or roll back the open for the others; it is bounded by Options.OpenTimeout
// instead. A caller whose ctx ends first returns ctx.Err() while the open
// carries on.
func (b *PodBay) OpenDb(ctx context.Context, req OpenRequest) (Opened, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = idref.Generate(b.opts.NameType)
	}
	ch := b.flight.DoChan(req.Name, func() (interface{}, error) {
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.openTimeout())
		defer cancel()
		return b.openDb(octx, req)
	})
	select {
	case <-ctx.Done():
		return Opened{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Opened{}, r.Err
		}
		return r.Val.(Opened), nil
	}
}

func (b *PodBay) openTimeout() time.Duration {
	if b.opts.OpenTimeout > 0 {
		return b.opts.OpenTimeout
	}
	return defaultOpenTimeout
}

func (b *PodBay) openDb(ctx context.Context, req OpenRequest) (Opened, error) {
	if o, ok := b.openByName(req.Name); ok {
		b.log.WithPod(o.PodID).Debug(fmt.Sprintf("database %s already open", req.Name))
		return o, nil
	}

	p := b.claim(req.OrbitDbID)
	if p == nil {
		p = pod.New(idref.New(idref.ComponentPod, "", b.opts.NameType), b.books, b.opts.Pod)
		if err := b.add(p, true); err != nil {
			_ = p.Close(ctx)
			return Opened{}, err
		}
	}
	defer b.release(p)

	log := b.log.WithPod(p.ID())
	db, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: req.Name, Type: req.Type, IndexBy: req.IndexBy})
	if err != nil {
		log.Error(logbook.CodeError, stage.Error, fmt.Sprintf("open %s failed, removing pod", req.Name), err)
		if rerr := b.RemovePod(ctx, p.ID().Name()); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return Opened{}, err
	}
	b.refreshOpenDbs()
	o := opened(p, db)
	log.Info(stage.Started, fmt.Sprintf("database %s open at %s", req.Name, o.Address))
	return o, nil
}

// claim picks a registered pod with an initialized orbitdb matching id and
// no database open, and marks it so concurrent opens skip it.
func (b *PodBay) claim(id string) *pod.LunarPod {
	if id == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pods {
		o := p.OrbitDb()
		if o == nil || !o.HasProcess() || b.claimed[p.ID().Name()] || len(p.DbNames()) > 0 {
			continue
		}
		if o.ID().Matches(id) || p.ID().Matches(id) || identityMatches(o, id) {
			b.claimed[p.ID().Name()] = true
			return p
		}
	}
	return nil
}

func identityMatches(o *process.OrbitDb, id string) bool {
	e, ok := o.Engine()
	return ok && e.ID() == id
}

func (b *PodBay) release(p *pod.LunarPod) {
	b.mu.Lock()
	delete(b.claimed, p.ID().Name())
	b.mu.Unlock()
}

// CloseDb stops the database and removes its whole pod.
func (b *PodBay) CloseDb(ctx context.Context, name string) error {
	o, ok := b.GetOpenDb(name)
	if !ok {
		b.log.Warn(logbook.CodeNotFound, stage.Unknown, fmt.Sprintf("database %s not found", name))
		return fmt.Errorf("%w: %s", ErrDBNotFound, name)
	}
	return b.RemovePod(ctx, o.PodID.Name())
}

// Shutdown removes every pod in parallel. A failing pod does not cancel
// the others; the first error is returned.
func (b *PodBay) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range b.Pods() {
		id := p.ID().Name()
		g.Go(func() error { return b.RemovePod(ctx, id) })
	}
	err := g.Wait()
	b.log.Info(stage.Stopped, "pod bay shut down")
	return err
}
