package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned by the parsers for names no command has.
var ErrUnknownCommand = errors.New("command not found")

// PodCommand is an operation on a pod's network or content store.
type PodCommand interface {
	Name() string
	podCommand()
}

// DbCommand is an operation on an open database.
type DbCommand interface {
	Name() string
	dbCommand()
}

// Connections lists open connections, to PeerID only when set, capped at
// Max peers (default 10).
type Connections struct {
	PeerID string `json:"peerId,omitempty"`
	Max    int    `json:"max,omitempty"`
}

type Multiaddrs struct{}
type PeerID struct{}
type Peers struct{}
type Protocols struct{}

type Dial struct {
	Address string `json:"address"`
}

type DialProtocol struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
}

type AddJSON struct {
	Data json.RawMessage `json:"data"`
}

type GetJSON struct {
	CID string `json:"cid"`
}

func (Connections) Name() string  { return "connections" }
func (Multiaddrs) Name() string   { return "multiaddrs" }
func (PeerID) Name() string       { return "peerid" }
func (Peers) Name() string        { return "peers" }
func (Protocols) Name() string    { return "protocols" }
func (Dial) Name() string         { return "dial" }
func (DialProtocol) Name() string { return "dialprotocol" }
func (AddJSON) Name() string      { return "addjson" }
func (GetJSON) Name() string      { return "getjson" }

func (Connections) podCommand()  {}
func (Multiaddrs) podCommand()   {}
func (PeerID) podCommand()       {}
func (Peers) podCommand()        {}
func (Protocols) podCommand()    {}
func (Dial) podCommand()         {}
func (DialProtocol) podCommand() {}
func (AddJSON) podCommand()      {}
func (GetJSON) podCommand()      {}

type Add struct {
	Value json.RawMessage `json:"value"`
}

// Put writes Value under Key. Documents databases key by the document.
type Put struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value"`
}

type Get struct {
	Key string `json:"key"`
}

type Del struct {
	Key string `json:"key"`
}

type All struct{}

// Query matches documents whose fields equal every Filter value.
type Query struct {
	Filter map[string]any `json:"filter"`
}

func (Add) Name() string   { return "add" }
func (Put) Name() string   { return "put" }
func (Get) Name() string   { return "get" }
func (Del) Name() string   { return "del" }
func (All) Name() string   { return "all" }
func (Query) Name() string { return "query" }

func (Add) dbCommand()   {}
func (Put) dbCommand()   {}
func (Get) dbCommand()   {}
func (Del) dbCommand()   {}
func (All) dbCommand()   {}
func (Query) dbCommand() {}

// PodCommands lists the pod command names.
func PodCommands() []string {
	return []string{"connections", "multiaddrs", "peerid", "peers", "protocols", "dial", "dialprotocol", "addjson", "getjson"}
}

// DbCommands lists the database command names.
func DbCommands() []string {
	return []string{"add", "put", "get", "del", "all", "query"}
}

// ParsePodCommand builds the command called name from its JSON arguments.
// Empty or null args leave every field at its zero value.
func ParsePodCommand(name string, args json.RawMessage) (PodCommand, error) {
	var cmd PodCommand
	switch normalize(name) {
	case "connections":
		cmd = &Connections{}
	case "multiaddrs":
		cmd = &Multiaddrs{}
	case "peerid":
		cmd = &PeerID{}
	case "peers":
		cmd = &Peers{}
	case "protocols":
		cmd = &Protocols{}
	case "dial":
		cmd = &Dial{}
	case "dialprotocol":
		cmd = &DialProtocol{}
	case "addjson":
		// the whole argument is the value to store
		return AddJSON{Data: args}, nil
	case "getjson":
		cmd = &GetJSON{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if err := decode(args, cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return deref(cmd).(PodCommand), nil
}

// ParseDbCommand builds the database command called name.
func ParseDbCommand(name string, args json.RawMessage) (DbCommand, error) {
	var cmd DbCommand
	switch normalize(name) {
	case "add":
		cmd = &Add{}
	case "put":
		cmd = &Put{}
	case "get":
		cmd = &Get{}
	case "del", "delete":
		cmd = &Del{}
	case "all":
		cmd = &All{}
	case "query":
		cmd = &Query{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if err := decode(args, cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return deref(cmd).(DbCommand), nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func decode(args json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(args, v)
}

// deref turns the pointer used for decoding back into the value type so
// callers can type-switch on values.
func deref(cmd any) any {
	switch c := cmd.(type) {
	case *Connections:
		return *c
	case *Multiaddrs:
		return *c
	case *PeerID:
		return *c
	case *Peers:
		return *c
	case *Protocols:
		return *c
	case *Dial:
		return *c
	case *DialProtocol:
		return *c
	case *GetJSON:
		return *c
	case *Add:
		return *c
	case *Put:
		return *c
	case *Get:
		return *c
	case *Del:
		return *c
	case *All:
		return *c
	case *Query:
		return *c
	}
	return cmd
}
