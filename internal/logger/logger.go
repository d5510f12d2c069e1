package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for every lumberjack-backed file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the supervisor's own log output.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Format string // text or json (default text)
	Color  bool   // ANSI level colors for text output
	// File, when set, sends supervisor logs to a rotated file instead of stderr.
	File string
	// Rotation applies to File and to every app log sink.
	Rotation Rotation
	// Dir is where app logs go when a descriptor declares no sink.
	Dir string
}

// Rotation follows lumberjack semantics; zero values take the defaults.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a slog logger from cfg.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	color := cfg.Color
	if cfg.File != "" {
		w = cfg.Rotation.open(cfg.File)
		color = false
	}
	return slog.New(NewHandler(w, cfg.Format, ParseLevel(cfg.Level), color))
}

// NewHandler returns a json handler or a text handler, optionally colored.
func NewHandler(w io.Writer, format string, level slog.Level, color bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		if color {
			return NewColorTextHandler(w, opts, true)
		}
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (r Rotation) open(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
