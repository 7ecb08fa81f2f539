package logbook

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loykin/lunarpod/internal/idref"
)

// DefaultMaxEntries bounds each book when no limit is configured.
const DefaultMaxEntries = 10000

// Book is the append-only log of one component kind. Sequence numbers start
// at 1 and are never reused, even after Delete or eviction.
type Book struct {
	name idref.Component
	max  int

	mu      sync.RWMutex
	seq     uint64
	entries []Entry // ascending by Sequence
}

// NewBook creates a standalone book. max <= 0 disables retention.
func NewBook(name idref.Component, max int) *Book {
	return &Book{name: name, max: max}
}

func (b *Book) Name() idref.Component { return b.name }

// Add appends e with the next sequence number and returns the stored entry.
func (b *Book) Add(e Entry) Entry {
	return b.add(e, nil)
}

func (b *Book) add(e Entry, ordinal *atomic.Uint64) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Sequence = b.seq
	e.Book = b.name
	if ordinal != nil {
		e.Ordinal = ordinal.Add(1)
	}
	b.entries = append(b.entries, e)
	if b.max > 0 && len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
	return e
}

func (b *Book) index(seq uint64) (int, bool) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].Sequence >= seq })
	return i, i < len(b.entries) && b.entries[i].Sequence == seq
}

// Get returns the entry stored under seq.
func (b *Book) Get(seq uint64) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.index(seq)
	if !ok {
		return Entry{}, false
	}
	return b.entries[i], true
}

// Delete removes the entry stored under seq.
func (b *Book) Delete(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index(seq)
	if !ok {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return true
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// LastSequence is the most recently assigned sequence number.
func (b *Book) LastSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Entries returns a copy of all entries, oldest first.
func (b *Book) Entries() []Entry {
	return b.Query(Filter{})
}

// Query returns the entries matching f, oldest first.
func (b *Book) Query(f Filter) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return last(out, f.Last)
}

func (b *Book) LevelHistory(l Level) []Entry     { return b.Query(Filter{Level: l}) }
func (b *Book) ProcessHistory(id string) []Entry { return b.Query(Filter{ProcessID: id}) }
func (b *Book) PodHistory(id string) []Entry     { return b.Query(Filter{PodID: id}) }
func (b *Book) Last(n int) []Entry               { return b.Query(Filter{Last: n}) }

// Summary describes a book without its entries.
type Summary struct {
	Name         idref.Component `json:"name"`
	Size         int             `json:"size"`
	LastSequence uint64          `json:"lastSequence"`
}

func (b *Book) Summary() Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Summary{Name: b.name, Size: len(b.entries), LastSequence: b.seq}
}

func last(es []Entry, n int) []Entry {
	if n > 0 && len(es) > n {
		return es[len(es)-n:]
	}
	return es
}
