package logbook

import (
	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/stage"
)

// Logger writes into one book with pod and process references pre-filled.
// A nil Logger, or one without a manager, discards everything.
type Logger struct {
	m       *Manager
	book    idref.Component
	pod     *idref.Reference
	process *idref.Reference
}

// Logger returns a logger for book.
func (m *Manager) Logger(book idref.Component) *Logger {
	return &Logger{m: m, book: book}
}

// WithPod returns a copy tagged with the pod reference.
func (l *Logger) WithPod(ref idref.Reference) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.pod = &ref
	return &c
}

// WithProcess returns a copy tagged with the process reference. The book
// follows the process component.
func (l *Logger) WithProcess(ref idref.Reference) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.process = &ref
	if ref.Component() != "" {
		c.book = ref.Component()
	}
	return &c
}

func (l *Logger) Manager() *Manager {
	if l == nil {
		return nil
	}
	return l.m
}

// Log appends r after filling in the scoped fields it leaves empty.
func (l *Logger) Log(r Record) Entry {
	if l == nil || l.m == nil {
		return Entry{}
	}
	if r.Book == "" {
		r.Book = l.book
	}
	if r.PodID == nil {
		r.PodID = l.pod
	}
	if r.ProcessID == nil {
		r.ProcessID = l.process
	}
	return l.m.Log(r)
}

func (l *Logger) Debug(msg string) Entry {
	return l.Log(Record{Level: LevelDebug, Code: CodeContinue, Message: msg})
}

func (l *Logger) Info(st stage.Stage, msg string) Entry {
	return l.Log(Record{Level: LevelInfo, Code: CodeOK, Stage: st, Message: msg})
}

func (l *Logger) Warn(code Code, st stage.Stage, msg string) Entry {
	return l.Log(Record{Level: LevelWarn, Code: code, Stage: st, Message: msg})
}

func (l *Logger) Error(code Code, st stage.Stage, msg string, err error) Entry {
	return l.Log(Record{Level: LevelError, Code: code, Stage: st, Message: msg, Err: err})
}
