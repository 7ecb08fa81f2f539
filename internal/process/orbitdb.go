package process

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/stage"
)

// Identity provider names.
const (
	IdentityPublicKey = "publickey"
	IdentityDID       = "did"
)

// AddressPrefix marks a database name as an existing address.
const AddressPrefix = "/orbitdb/"

// Identity selects how the database engine signs its entries.
type Identity struct {
	Provider string `json:"provider"`
	Seed     []byte `json:"-"`
}

// DatabaseOptions describes a database to open or create.
type DatabaseOptions struct {
	Name string `json:"databaseName"`
	Type string `json:"databaseType,omitempty"`
	// IndexBy is the document key field for documents databases.
	IndexBy string `json:"indexBy,omitempty"`
}

// Record is one row returned by All.
type Record struct {
	Key   string          `json:"key,omitempty"`
	Hash  string          `json:"hash"`
	Value json.RawMessage `json:"value"`
}

// DatabaseEngine is one opened database handle. Stop closes it.
type DatabaseEngine interface {
	Engine
	Address() string
	Name() string
	Type() string
	Add(ctx context.Context, value json.RawMessage) (string, error)
	Put(ctx context.Context, key string, value json.RawMessage) (string, error)
	PutDoc(ctx context.Context, doc json.RawMessage) (string, error)
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Del(ctx context.Context, key string) (string, error)
	All(ctx context.Context) ([]Record, error)
	Query(ctx context.Context, filter map[string]any) ([]json.RawMessage, error)
}

// OrbitDbEngine opens databases over a content store.
type OrbitDbEngine interface {
	Engine
	// ID is the identity the engine signs with.
	ID() string
	Open(ctx context.Context, opts DatabaseOptions) (DatabaseEngine, error)
}

// OrbitDbFactory builds the database engine on top of a content store.
type OrbitDbFactory func(ctx context.Context, store IpfsEngine, identity Identity) (OrbitDbEngine, error)

type OrbitDbOptions struct {
	Ipfs     *Ipfs
	Identity Identity
	Engine   OrbitDbFactory
}

// OrbitDb supervises the database engine.
type OrbitDb struct {
	Base[OrbitDbEngine]
	opts OrbitDbOptions
}

// NewOrbitDb fails when no Ipfs wrapper is supplied.
func NewOrbitDb(id idref.Reference, log *logbook.Logger, opts OrbitDbOptions) (*OrbitDb, error) {
	if opts.Ipfs == nil {
		err := fmt.Errorf("%w: No Ipfs process found", ErrMissingDependency)
		log.WithProcess(id).Error(logbook.CodeNotFound, stage.Error, "No Ipfs process found", err)
		return nil, err
	}
	p := &OrbitDb{opts: opts}
	p.bind(id, log)
	return p, nil
}

func (p *OrbitDb) Ipfs() *Ipfs { return p.opts.Ipfs }

func (p *OrbitDb) Init(ctx context.Context) error {
	if p.opts.Engine == nil {
		err := fmt.Errorf("%w: no orbitdb engine factory", ErrMissingDependency)
		p.log.Error(logbook.CodeError, stage.Error, "init failed", err)
		return err
	}
	identity, err := p.identity()
	if err != nil {
		p.log.Error(logbook.CodeError, stage.Error, "identity setup failed", err)
		return err
	}
	return p.initWith(ctx, func(ctx context.Context) (OrbitDbEngine, error) {
		store, ok := p.opts.Ipfs.Engine()
		if !ok {
			return nil, fmt.Errorf("%w: ipfs is not initialized", ErrMissingDependency)
		}
		return p.opts.Engine(ctx, store, identity)
	})
}

// identity resolves the provider. A did provider without a seed gets a
// random one that lives only as long as this engine.
func (p *OrbitDb) identity() (Identity, error) {
	id := p.opts.Identity
	id.Provider = strings.ToLower(strings.TrimSpace(id.Provider))
	switch id.Provider {
	case "", IdentityPublicKey:
		id.Provider = IdentityPublicKey
	case IdentityDID:
		if len(id.Seed) == 0 {
			p.log.Warn(logbook.CodeContinue, stage.Warning,
				"no identity seed configured for did provider; using an ephemeral random seed, the identity will change on restart")
			seed := make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return Identity{}, fmt.Errorf("generate identity seed: %w", err)
			}
			id.Seed = seed
		}
	default:
		return Identity{}, fmt.Errorf("unknown identity provider %q", id.Provider)
	}
	return id, nil
}

// IdentityID is the id the engine signs with.
func (p *OrbitDb) IdentityID() (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return e.ID(), nil
}

// Open opens by address when the name starts with /orbitdb/, otherwise
// opens or creates by name and type.
func (p *OrbitDb) Open(ctx context.Context, opts DatabaseOptions) (DatabaseEngine, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	how := "name"
	if strings.HasPrefix(opts.Name, AddressPrefix) {
		how = "address"
	}
	db, err := e.Open(ctx, opts)
	if err != nil {
		p.log.Error(logbook.CodeError, p.Status(), fmt.Sprintf("open %s by %s failed", opts.Name, how), err)
		return nil, err
	}
	p.log.Info(p.Status(), fmt.Sprintf("opened %s by %s at %s", opts.Name, how, db.Address()))
	return db, nil
}
