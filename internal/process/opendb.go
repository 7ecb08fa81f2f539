package process

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/stage"
)

type OpenDbOptions struct {
	OrbitDb  *OrbitDb
	Database DatabaseOptions
}

// OpenDb supervises one opened database handle.
type OpenDb struct {
	Base[DatabaseEngine]
	opts OpenDbOptions
}

// NewOpenDb fails when no OrbitDb wrapper is supplied.
func NewOpenDb(id idref.Reference, log *logbook.Logger, opts OpenDbOptions) (*OpenDb, error) {
	if opts.OrbitDb == nil {
		err := fmt.Errorf("%w: No OrbitDb process found", ErrMissingDependency)
		log.WithProcess(id).Error(logbook.CodeNotFound, stage.Error, "No OrbitDb process found", err)
		return nil, err
	}
	p := &OpenDb{opts: opts}
	p.bind(id, log)
	return p, nil
}

// Name is the database name the handle was opened with.
func (p *OpenDb) Name() string { return p.opts.Database.Name }

func (p *OpenDb) Options() DatabaseOptions { return p.opts.Database }

func (p *OpenDb) Init(ctx context.Context) error {
	return p.initWith(ctx, func(ctx context.Context) (DatabaseEngine, error) {
		return p.opts.OrbitDb.Open(ctx, p.opts.Database)
	})
}

// Address is the shareable content address of the database.
func (p *OpenDb) Address() (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return e.Address(), nil
}

// Type is the database type reported by the handle.
func (p *OpenDb) Type() string {
	if e, ok := p.Engine(); ok {
		return e.Type()
	}
	return p.opts.Database.Type
}

func (p *OpenDb) Add(ctx context.Context, value json.RawMessage) (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return p.wrote("add", "")(e.Add(ctx, value))
}

func (p *OpenDb) Put(ctx context.Context, key string, value json.RawMessage) (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return p.wrote("put", key)(e.Put(ctx, key, value))
}

func (p *OpenDb) PutDoc(ctx context.Context, doc json.RawMessage) (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return p.wrote("putDoc", "")(e.PutDoc(ctx, doc))
}

func (p *OpenDb) Del(ctx context.Context, key string) (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	return p.wrote("del", key)(e.Del(ctx, key))
}

func (p *OpenDb) Get(ctx context.Context, key string) (json.RawMessage, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, key)
}

func (p *OpenDb) All(ctx context.Context) ([]Record, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	return e.All(ctx)
}

func (p *OpenDb) Query(ctx context.Context, filter map[string]any) ([]json.RawMessage, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	return e.Query(ctx, filter)
}

func (p *OpenDb) wrote(op, key string) func(string, error) (string, error) {
	if key != "" {
		op += " " + key
	}
	return func(hash string, err error) (string, error) {
		if err != nil {
			p.log.Error(logbook.CodeError, p.Status(), op+" failed", err)
			return "", err
		}
		p.log.Debug(op + " -> " + hash)
		return hash, nil
	}
}
