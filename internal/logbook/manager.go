package logbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/lunarpod/internal/history"
	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/metrics"
)

// ErrBookNotFound is returned by Lookup-based accessors for unknown books.
var ErrBookNotFound = errors.New("log book not found")

const (
	defaultQueueSize = 1024
	maxBatch         = 64
	sinkTimeout      = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	// MaxEntries bounds each book; 0 uses DefaultMaxEntries, negative disables retention.
	MaxEntries int
	// Logger receives a mirror of every entry. Defaults to slog.Default().
	Logger *slog.Logger
	// Sinks receive every entry asynchronously.
	Sinks     []history.Sink
	QueueSize int
}

// Manager owns one Book per component kind and is the single entry point
// components log through.
type Manager struct {
	maxEntries int
	log        *slog.Logger

	mu    sync.RWMutex
	books map[idref.Component]*Book

	ordinal atomic.Uint64

	sinks     []history.Sink
	queue     chan history.Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// NewManager creates a manager with a book pre-created for every known
// component kind.
func NewManager(opts Options) *Manager {
	max := opts.MaxEntries
	if max == 0 {
		max = DefaultMaxEntries
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	m := &Manager{
		maxEntries: max,
		log:        l,
		books:      make(map[idref.Component]*Book),
		sinks:      opts.Sinks,
		done:       make(chan struct{}),
	}
	for _, c := range idref.Components() {
		m.books[c] = NewBook(c, max)
	}
	if len(m.sinks) > 0 {
		size := opts.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		m.queue = make(chan history.Event, size)
		m.wg.Add(1)
		go m.forward()
	}
	return m
}

// Get returns the book for name, creating it on miss.
func (m *Manager) Get(name idref.Component) *Book {
	m.mu.RLock()
	b, ok := m.books[name]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[name]; ok {
		return b
	}
	b = NewBook(name, m.maxEntries)
	m.books[name] = b
	return b
}

// Lookup returns the book for name without creating it.
func (m *Manager) Lookup(name idref.Component) (*Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[name]
	return b, ok
}

// Books returns every book sorted by name.
func (m *Manager) Books() []*Book {
	m.mu.RLock()
	out := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Summaries describes every book.
func (m *Manager) Summaries() []Summary {
	books := m.Books()
	out := make([]Summary, 0, len(books))
	for _, b := range books {
		out = append(out, b.Summary())
	}
	return out
}

// Log appends r to its book, mirrors it to slog and queues it for the sinks.
func (m *Manager) Log(r Record) Entry {
	if r.Book == "" {
		r.Book = idref.ComponentSystem
	}
	e := m.Get(r.Book).add(r.entry(), &m.ordinal)
	m.mirror(e)
	metrics.IncLogEntry(string(e.Book), e.Level.String())
	m.enqueue(e)
	return e
}

// Logs merges the matching entries of every book in append order.
func (m *Manager) Logs(f Filter) []Entry {
	var out []Entry
	for _, b := range m.Books() {
		out = append(out, b.Query(Filter{Level: f.Level, PodID: f.PodID, ProcessID: f.ProcessID})...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return last(out, f.Last)
}

// Query filters one book; unknown books yield ErrBookNotFound.
func (m *Manager) Query(name idref.Component, f Filter) ([]Entry, error) {
	b, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, name)
	}
	return b.Query(f), nil
}

func (m *Manager) mirror(e Entry) {
	attrs := []slog.Attr{
		slog.String("book", string(e.Book)),
		slog.Uint64("seq", e.Sequence),
		slog.Int("code", int(e.Code)),
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(e.Stage)))
	}
	if e.PodID != nil {
		attrs = append(attrs, slog.String("pod", e.PodID.ID(false)))
	}
	if e.ProcessID != nil {
		attrs = append(attrs, slog.String("process", e.ProcessID.String()))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	m.log.LogAttrs(context.Background(), e.Level.slog(), e.Message, attrs...)
}

func (m *Manager) enqueue(e Entry) {
	if m.queue == nil || m.closed.Load() {
		return
	}
	ev := toEvent(e)
	select {
	case m.queue <- ev:
	case <-m.done:
	default:
		metrics.IncSinkDropped()
	}
}

func (m *Manager) forward() {
	defer m.wg.Done()
	batch := make([]history.Event, 0, maxBatch)
	for {
		select {
		case ev := <-m.queue:
			batch = m.collect(append(batch[:0], ev))
			m.send(batch)
		case <-m.done:
			// drain what is already queued
			for {
				batch = m.collect(batch[:0])
				if len(batch) == 0 {
					return
				}
				m.send(batch)
			}
		}
	}
}

// collect appends already queued events without blocking.
func (m *Manager) collect(batch []history.Event) []history.Event {
	for len(batch) < maxBatch {
		select {
		case ev := <-m.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (m *Manager) send(batch []history.Event) {
	for _, s := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := deliver(ctx, s, batch)
		cancel()
		if err != nil {
			name := fmt.Sprintf("%T", s)
			metrics.IncSinkError(name)
			m.log.Warn("history sink send failed", "sink", name, "events", len(batch), "first", batch[0].Key(), "error", err)
		}
	}
}

func deliver(ctx context.Context, s history.Sink, batch []history.Event) error {
	if b, ok := s.(history.BatchSink); ok {
		return b.SendBatch(ctx, batch)
	}
	var errs []error
	for _, ev := range batch {
		if err := s.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Close stops forwarding after the queued entries are delivered, or when ctx
// expires, and closes sinks that implement io.Closer.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		waited := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		for _, s := range m.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}

func toEvent(e Entry) history.Event {
	ev := history.Event{
		Book:       string(e.Book),
		Sequence:   e.Sequence,
		Ordinal:    e.Ordinal,
		OccurredAt: e.Timestamp,
		Level:      e.Level.String(),
		Code:       int(e.Code),
		Stage:      string(e.Stage),
		Message:    e.Message,
		Error:      errString(e.Err),
	}
	if e.PodID != nil {
		ev.PodID = e.PodID.ID(false)
	}
	if e.ProcessID != nil {
		ev.ProcessID = e.ProcessID.String()
	}
	return ev
}
