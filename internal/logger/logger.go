package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level is the textual slog level accepted in configuration.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the daemon's structured logger.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes rotated log files.
// If Path is empty and Dir is set, the daemon log goes to Dir/lunarpod.log and
// component logs to Dir/<component>.log. Rotation follows lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`         // base directory for logs
	Path       string `mapstructure:"path"`        // explicit daemon log path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"` // Gzip rotated files
}

// Config groups structured logging and file rotation settings.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// DefaultConfig logs colored text at info level to stdout.
func DefaultConfig() Config {
	return Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true, TimeStamps: true}}
}

// ParseLevel maps a level name to slog, defaulting to info.
func ParseLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Writer returns the daemon log destination: a lumberjack file when one is
// configured, otherwise nil.
func (c Config) Writer() io.WriteCloser {
	p := c.File.Path
	if p == "" && c.File.Dir != "" {
		p = filepath.Join(c.File.Dir, "lunarpod.log")
	}
	if p == "" {
		return nil
	}
	return c.rotating(p)
}

// ComponentWriter returns a rotated writer at Dir/<name>.log, or nil when no
// directory is configured.
func (c Config) ComponentWriter(name string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.File.Dir, fmt.Sprintf("%s.log", name)))
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds the daemon logger. Output goes to stdout and, when
// configured, to the rotated log file as well.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stdout
	if fw := c.Writer(); fw != nil {
		w = io.MultiWriter(os.Stdout, fw)
		// colors would end up in the file
		return slog.New(c.handler(w, false))
	}
	return slog.New(c.handler(w, c.Slog.Color))
}

// NewComponentLogger returns a logger writing only to the component's own
// file, or nil when file logging is disabled.
func (c Config) NewComponentLogger(name string) *slog.Logger {
	w := c.ComponentWriter(name)
	if w == nil {
		return nil
	}
	return slog.New(c.handler(w, false)).With(slog.String("component", name))
}

// NewHandler builds a handler over w using the configured options.
func (c Config) NewHandler(w io.Writer) slog.Handler {
	return c.handler(w, c.Slog.Color)
}

func (c Config) handler(w io.Writer, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	switch {
	case c.Slog.Format == FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case color:
		return NewColorTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
