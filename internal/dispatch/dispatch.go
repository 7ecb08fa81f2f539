// Package dispatch turns named commands into calls on a pod or an open
// database. Failures never escape as errors or panics; they come back as a
// Result carrying the error text.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/lunarpod/internal/metrics"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/process"
)

// Result is the outcome of one command.
type Result struct {
	Message string `json:"message"`
	PodID   string `json:"podId,omitempty"`
	DBID    string `json:"dbId,omitempty"`
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the command succeeded.
func (r Result) OK() bool { return r.Error == "" }

// ExecuteNamed parses and runs a pod command.
func ExecuteNamed(ctx context.Context, p *pod.LunarPod, name string, args json.RawMessage) Result {
	cmd, err := ParsePodCommand(name, args)
	if err != nil {
		r := fail(name, err)
		r.PodID = p.ID().String()
		metrics.ObserveCommand("pod", commandLabel(name, PodCommands()), false, 0)
		return r
	}
	return Execute(ctx, p, cmd)
}

// OperationNamed parses and runs a database command.
func OperationNamed(ctx context.Context, db *process.OpenDb, name string, args json.RawMessage) Result {
	cmd, err := ParseDbCommand(name, args)
	if err != nil {
		r := fail(name, err)
		r.DBID = db.ID().String()
		metrics.ObserveCommand("db", commandLabel(name, DbCommands()), false, 0)
		return r
	}
	return Operation(ctx, db, cmd)
}

// commandLabel keeps metric labels to the known command names so client
// input cannot create new series.
func commandLabel(name string, known []string) string {
	n := normalize(name)
	for _, k := range known {
		if k == n {
			return n
		}
	}
	return "unknown"
}

// Execute runs cmd against the pod's network and content store.
func Execute(ctx context.Context, p *pod.LunarPod, cmd PodCommand) (res Result) {
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = fail(cmd.Name(), fmt.Errorf("panic: %v", r))
		}
		res.PodID = p.ID().String()
		metrics.ObserveCommand("pod", cmd.Name(), res.OK(), time.Since(begin).Seconds())
	}()
	data, err := execute(ctx, p, cmd)
	if err != nil {
		return fail(cmd.Name(), err)
	}
	return Result{Message: cmd.Name() + " ok", Command: cmd.Name(), Data: data}
}

func execute(ctx context.Context, p *pod.LunarPod, cmd PodCommand) (any, error) {
	switch c := cmd.(type) {
	case AddJSON, GetJSON:
		s := p.Ipfs()
		if s == nil {
			return nil, fmt.Errorf("no ipfs process: %w", process.ErrNoProcess)
		}
		if a, ok := c.(AddJSON); ok {
			if len(a.Data) == 0 {
				return nil, errors.New("addjson: no data")
			}
			cid, err := s.AddJSON(ctx, a.Data)
			if err != nil {
				return nil, err
			}
			return map[string]string{"cid": cid}, nil
		}
		return s.GetJSON(ctx, c.(GetJSON).CID)
	}

	l := p.Libp2p()
	if l == nil {
		return nil, fmt.Errorf("no libp2p process: %w", process.ErrNoProcess)
	}
	switch c := cmd.(type) {
	case Connections:
		max := c.Max
		if max <= 0 {
			max = process.DefaultMaxConnections
		}
		return l.Connections(c.PeerID, max)
	case Multiaddrs:
		return l.Multiaddrs()
	case PeerID:
		return l.PeerID()
	case Peers:
		return l.Peers()
	case Protocols:
		return l.Protocols()
	case Dial:
		if c.Address == "" {
			return nil, errors.New("dial: address is required")
		}
		return l.Dial(ctx, c.Address)
	case DialProtocol:
		if c.Address == "" || c.Protocol == "" {
			return nil, errors.New("dialprotocol: address and protocol are required")
		}
		return l.DialProtocol(ctx, c.Address, c.Protocol)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name())
}

// Operation runs cmd against an open database.
func Operation(ctx context.Context, db *process.OpenDb, cmd DbCommand) (res Result) {
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = fail(cmd.Name(), fmt.Errorf("panic: %v", r))
		}
		res.DBID = db.ID().String()
		metrics.ObserveCommand("db", cmd.Name(), res.OK(), time.Since(begin).Seconds())
	}()
	data, err := operation(ctx, db, cmd)
	if err != nil {
		return fail(cmd.Name(), err)
	}
	return Result{Message: cmd.Name() + " ok", Command: cmd.Name(), Data: data}
}

func operation(ctx context.Context, db *process.OpenDb, cmd DbCommand) (any, error) {
	switch c := cmd.(type) {
	case Add:
		h, err := db.Add(ctx, c.Value)
		return hash(h), err
	case Put:
		h, err := db.Put(ctx, c.Key, c.Value)
		return hash(h), err
	case Get:
		return db.Get(ctx, c.Key)
	case Del:
		h, err := db.Del(ctx, c.Key)
		return hash(h), err
	case All:
		return db.All(ctx)
	case Query:
		return db.Query(ctx, c.Filter)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name())
}

func hash(h string) map[string]string { return map[string]string{"hash": h} }

func fail(command string, err error) Result {
	return Result{
		Message: fmt.Sprintf("%s failed", command),
		Command: command,
		Error:   err.Error(),
	}
}
