package logger

import (
	"bytes"
	"io"
	"log/slog"
)

const colorReset = "\033[0m"

var levelKey = []byte(slog.LevelKey + "=")

func levelColor(lvl []byte) string {
	switch {
	case bytes.HasPrefix(lvl, []byte("ERROR")):
		return "\033[31m"
	case bytes.HasPrefix(lvl, []byte("WARN")):
		return "\033[33m"
	case bytes.HasPrefix(lvl, []byte("INFO")):
		return "\033[32m"
	case bytes.HasPrefix(lvl, []byte("DEBUG")):
		return "\033[36m"
	default:
		return ""
	}
}

// colorWriter paints the first level=VALUE field of each record. slog
// handlers write one record per Write call.
type colorWriter struct{ w io.Writer }

func (c colorWriter) Write(p []byte) (int, error) {
	i := bytes.Index(p, levelKey)
	if i < 0 {
		return c.w.Write(p)
	}
	start := i + len(levelKey)
	end := start
	for end < len(p) && p[end] != ' ' && p[end] != '\n' {
		end++
	}
	color := levelColor(p[start:end])
	if color == "" {
		return c.w.Write(p)
	}
	out := make([]byte, 0, len(p)+len(color)+len(colorReset))
	out = append(out, p[:start]...)
	out = append(out, color...)
	out = append(out, p[start:end]...)
	out = append(out, colorReset...)
	out = append(out, p[end:]...)
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewColorTextHandler returns a text handler whose level field is colored
// with ANSI codes. Derived handlers share the same writer.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewTextHandler(colorWriter{w: w}, opts)
}
