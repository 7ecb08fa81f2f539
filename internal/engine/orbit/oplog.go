package orbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
)

// Operation kinds.
const (
	opAdd = "ADD"
	opPut = "PUT"
	opDel = "DEL"
)

type operation struct {
	Type  string          `json:"type"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// entry is one signed log record, stored as a dag-json block.
type entry struct {
	ID       string    `json:"id"`
	Clock    uint64    `json:"clock"`
	Op       operation `json:"op"`
	Next     []string  `json:"next"`
	Identity string    `json:"identity"`
	Key      string    `json:"key"`
	Sig      string    `json:"sig,omitempty"`

	hash string
}

func (e *entry) payload() ([]byte, error) {
	c := *e
	c.Sig = ""
	return json.Marshal(c)
}

func (e *entry) signWith(id *identity) error {
	e.Identity = id.id
	e.Key = fmt.Sprintf("%x", id.pub)
	b, err := e.payload()
	if err != nil {
		return err
	}
	e.Sig = id.sign(b)
	return nil
}

func (e *entry) verify() error {
	b, err := e.payload()
	if err != nil {
		return err
	}
	return verify(e.Key, e.Sig, b)
}

// blockStore is what the log needs from the content store.
type blockStore interface {
	Put(ctx context.Context, codec uint64, data []byte) (cid.Cid, error)
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

func writeEntry(ctx context.Context, bs blockStore, e *entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	c, err := bs.Put(ctx, cid.DagJSON, b)
	if err != nil {
		return err
	}
	e.hash = c.String()
	return nil
}

func readEntry(ctx context.Context, bs blockStore, hash string) (*entry, error) {
	c, err := cid.Decode(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid entry hash %q: %w", hash, err)
	}
	b, err := bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", hash, err)
	}
	e.hash = hash
	return &e, nil
}

// traverse loads every entry reachable from heads, verifies each one and
// returns them oldest first ordered by clock then hash.
func traverse(ctx context.Context, bs blockStore, address string, heads []string) ([]*entry, error) {
	seen := make(map[string]bool)
	queue := append([]string(nil), heads...)
	var out []*entry
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h] {
			continue
		}
		seen[h] = true
		e, err := readEntry(ctx, bs, h)
		if err != nil {
			return nil, err
		}
		if e.ID != address {
			return nil, fmt.Errorf("entry %s belongs to %s", h, e.ID)
		}
		if err := e.verify(); err != nil {
			return nil, fmt.Errorf("entry %s: %w", h, err)
		}
		out = append(out, e)
		queue = append(queue, e.Next...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Clock != out[j].Clock {
			return out[i].Clock < out[j].Clock
		}
		return out[i].hash < out[j].hash
	})
	return out, nil
}
