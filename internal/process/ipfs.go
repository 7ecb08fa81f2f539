package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/stage"
)

// IpfsEngine is a content-addressed store with a JSON codec.
type IpfsEngine interface {
	Engine
	AddJSON(ctx context.Context, v any) (string, error)
	GetJSON(ctx context.Context, cid string) (json.RawMessage, error)
}

// IpfsFactory builds the content store on top of a network engine.
type IpfsFactory func(ctx context.Context, net Libp2pEngine) (IpfsEngine, error)

type IpfsOptions struct {
	Libp2p *Libp2p
	Engine IpfsFactory
}

// Ipfs supervises the content store.
type Ipfs struct {
	Base[IpfsEngine]
	opts IpfsOptions
}

// NewIpfs fails when no Libp2p wrapper is supplied.
func NewIpfs(id idref.Reference, log *logbook.Logger, opts IpfsOptions) (*Ipfs, error) {
	if opts.Libp2p == nil {
		err := fmt.Errorf("%w: No Libp2p process found", ErrMissingDependency)
		log.WithProcess(id).Error(logbook.CodeNotFound, stage.Error, "No Libp2p process found", err)
		return nil, err
	}
	p := &Ipfs{opts: opts}
	p.bind(id, log)
	return p, nil
}

func (p *Ipfs) Libp2p() *Libp2p { return p.opts.Libp2p }

func (p *Ipfs) Init(ctx context.Context) error {
	if p.opts.Engine == nil {
		err := fmt.Errorf("%w: no ipfs engine factory", ErrMissingDependency)
		p.log.Error(logbook.CodeError, stage.Error, "init failed", err)
		return err
	}
	return p.initWith(ctx, func(ctx context.Context) (IpfsEngine, error) {
		net, ok := p.opts.Libp2p.Engine()
		if !ok {
			return nil, fmt.Errorf("%w: libp2p is not initialized", ErrMissingDependency)
		}
		return p.opts.Engine(ctx, net)
	})
}

// AddJSON stores v and returns its CID.
func (p *Ipfs) AddJSON(ctx context.Context, v any) (string, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return "", err
	}
	c, err := e.AddJSON(ctx, v)
	if err != nil {
		p.log.Error(logbook.CodeError, p.Status(), "add json failed", err)
		return "", err
	}
	p.log.Debug("added " + c)
	return c, nil
}

// GetJSON loads the JSON document stored under cid.
func (p *Ipfs) GetJSON(ctx context.Context, cid string) (json.RawMessage, error) {
	e, err := p.engineOrErr()
	if err != nil {
		return nil, err
	}
	v, err := e.GetJSON(ctx, cid)
	if err != nil {
		code := logbook.CodeError
		if errors.Is(err, ErrNotFound) {
			code = logbook.CodeNotFound
		}
		p.log.Error(code, p.Status(), "get json "+cid+" failed", err)
		return nil, err
	}
	return v, nil
}
