package logbook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/stage"
)

// Level is the severity of an entry. The zero value means "any" in filters.
type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return ""
	}
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l Level) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Code is the response code attached to an entry, mirroring HTTP semantics.
type Code int

const (
	CodeContinue    Code = 100
	CodeOK          Code = 200
	CodeAccepted    Code = 202
	CodeNotFound    Code = 404
	CodeConflict    Code = 409
	CodeError       Code = 500
	CodeUnavailable Code = 503
)

// Entry is one immutable log book record.
type Entry struct {
	Sequence  uint64           `json:"sequence"`
	Ordinal   uint64           `json:"ordinal"`
	Book      idref.Component  `json:"book"`
	Timestamp time.Time        `json:"timestamp"`
	Level     Level            `json:"level"`
	Code      Code             `json:"code"`
	Stage     stage.Stage      `json:"stage,omitempty"`
	Message   string           `json:"message"`
	PodID     *idref.Reference `json:"podId,omitempty"`
	ProcessID *idref.Reference `json:"processId,omitempty"`
	Err       error            `json:"-"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(e), Error: errString(e.Err)})
}

// Record is what callers hand to the manager; sequence, ordinal and timestamp
// are assigned on append.
type Record struct {
	Book      idref.Component
	Level     Level
	Code      Code
	Stage     stage.Stage
	Message   string
	PodID     *idref.Reference
	ProcessID *idref.Reference
	Err       error
}

func (r Record) entry() Entry {
	lvl := r.Level
	if lvl == 0 {
		lvl = LevelInfo
	}
	code := r.Code
	if code == 0 {
		code = CodeOK
		if lvl == LevelError {
			code = CodeError
		}
	}
	return Entry{
		Book:      r.Book,
		Timestamp: time.Now().UTC(),
		Level:     lvl,
		Code:      code,
		Stage:     r.Stage,
		Message:   r.Message,
		PodID:     r.PodID,
		ProcessID: r.ProcessID,
		Err:       r.Err,
	}
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Level     Level
	PodID     string
	ProcessID string
	// Last keeps only the newest n matches.
	Last int
}

func (f Filter) match(e Entry) bool {
	if f.Level != 0 && e.Level != f.Level {
		return false
	}
	if f.PodID != "" && (e.PodID == nil || !e.PodID.Matches(f.PodID)) {
		return false
	}
	if f.ProcessID != "" && (e.ProcessID == nil || !e.ProcessID.Matches(f.ProcessID)) {
		return false
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
