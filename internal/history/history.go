package history

import (
	"context"
	"strconv"
	"time"
)

// Event is a flattened log book entry exported to external systems.
type Event struct {
	Book       string    `json:"book"`
	Sequence   uint64    `json:"sequence"`
	Ordinal    uint64    `json:"ordinal"`
	OccurredAt time.Time `json:"occurred_at"`
	Level      string    `json:"level"`
	Code       int       `json:"code"`
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message"`
	PodID      string    `json:"pod_id,omitempty"`
	ProcessID  string    `json:"process_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Key returns a stable unique key for the event within one daemon run.
func (e Event) Key() string {
	return e.Book + ":" + strconv.FormatUint(e.Sequence, 10)
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// BatchSink is implemented by sinks that can write several events in one
// round trip. Events arrive in log order.
type BatchSink interface {
	Sink
	SendBatch(ctx context.Context, events []Event) error
}

// TableName is the relational table written by the SQL sinks.
const TableName = "lunarpod_log_history"
