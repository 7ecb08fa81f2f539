package client

import (
	"encoding/json"
	"time"
)

// Reference names a pod, component or database.
type Reference struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Component string `json:"component"`
	NameType  string `json:"nameType,omitempty"`
}

// DbStatus is one database of a pod.
type DbStatus struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status"`
}

// PodStatus is the status snapshot of a pod. Components is only filled by
// GetPod.
type PodStatus struct {
	ID         Reference   `json:"id"`
	Libp2p     string      `json:"libp2p,omitempty"`
	Ipfs       string      `json:"ipfs,omitempty"`
	OrbitDb    string      `json:"orbitdb,omitempty"`
	Db         []DbStatus  `json:"db"`
	Components []Reference `json:"components,omitempty"`
}

// OpenRequest asks the daemon for a database by name.
type OpenRequest struct {
	OrbitDbID string `json:"orbitDbId,omitempty"`
	Name      string `json:"dbName"`
	Type      string `json:"dbType,omitempty"`
	IndexBy   string `json:"indexBy,omitempty"`
}

// DbInfo describes an open database.
type DbInfo struct {
	Name    string    `json:"dbName"`
	ID      Reference `json:"dbId"`
	Type    string    `json:"dbType"`
	Address string    `json:"address"`
	Status  string    `json:"status"`
	PodID   Reference `json:"podId"`
}

// Result is the outcome of a pod command or database operation. A failed
// command still arrives with HTTP 200 and Error set.
type Result struct {
	Message string          `json:"message"`
	PodID   string          `json:"podId,omitempty"`
	DBID    string          `json:"dbId,omitempty"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK reports whether the command succeeded.
func (r Result) OK() bool { return r.Error == "" }

// LogEntry is one logbook record.
type LogEntry struct {
	Sequence  uint64     `json:"sequence"`
	Ordinal   uint64     `json:"ordinal"`
	Book      string     `json:"book"`
	Timestamp time.Time  `json:"timestamp"`
	Level     string     `json:"level"`
	Code      int        `json:"code"`
	Stage     string     `json:"stage,omitempty"`
	Message   string     `json:"message"`
	PodID     *Reference `json:"podId,omitempty"`
	ProcessID *Reference `json:"processId,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// LogBookSummary describes one logbook.
type LogBookSummary struct {
	Name         string `json:"name"`
	Size         int    `json:"size"`
	LastSequence uint64 `json:"lastSequence"`
}

// LogQuery filters log entries. Zero values do not filter.
type LogQuery struct {
	Level   string
	Pod     string
	Process string
	Last    int
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
