package stage

import "strings"

// Stage is the lifecycle status of a supervised process.
type Stage string

const (
	New       Stage = "new"
	Init      Stage = "init"
	Starting  Stage = "starting"
	Started   Stage = "started"
	Stopping  Stage = "stopping"
	Stopped   Stage = "stopped"
	Pending   Stage = "pending"
	Completed Stage = "completed"
	Error     Stage = "error"
	Warning   Stage = "warning"
	Unknown   Stage = "unknown"
)

var all = []Stage{New, Init, Starting, Started, Stopping, Stopped, Pending, Completed, Error, Warning, Unknown}

// All returns every valid stage.
func All() []Stage { return append([]Stage(nil), all...) }

// Parse validates s against the known stages.
func Parse(s string) (Stage, bool) {
	v := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range all {
		if st == v {
			return st, true
		}
	}
	return Unknown, false
}

// Normalize returns the stage for s, or Unknown when s is not a valid stage.
func Normalize(s string) Stage {
	st, _ := Parse(s)
	return st
}

func (s Stage) String() string { return string(s) }

// Active reports whether the stage means the process is up or coming up.
func (s Stage) Active() bool { return s == Started || s == Starting }
