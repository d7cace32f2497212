package logging

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
)

// Logger is satisfied by *slog.Logger. Components that only emit records
// accept this instead of the concrete type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// Output replaces stdout; tests use it to capture records.
	Output io.Writer `toml:"-"`
}

type registry struct {
	mu          sync.RWMutex
	cfg         Config
	initialized bool
	root        *slog.LevelVar
	levels      map[string]*slog.LevelVar
	loggers     map[string]*slog.Logger
}

var std = newRegistry()

func newRegistry() *registry {
	return &registry{
		root:    &slog.LevelVar{},
		levels:  make(map[string]*slog.LevelVar),
		loggers: make(map[string]*slog.Logger),
	}
}

// Initialize sets up the logging system. Loggers handed out earlier keep
// their level variable, so they follow the new levels immediately.
func Initialize(cfg Config) {
	std.initialize(cfg)
}

// Apply updates global and per-module levels without rebuilding handlers.
// The config watcher uses it for live reloads.
func Apply(cfg Config) {
	std.apply(cfg)
}

// GetLogger returns the logger for module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	return std.logger(module)
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(module, level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	std.logger(module)

	std.mu.Lock()
	defer std.mu.Unlock()
	std.levels[module].Set(l)
	if std.cfg.Modules == nil {
		std.cfg.Modules = make(map[string]string)
	}
	std.cfg.Modules[module] = level
	return nil
}

// Levels returns the effective level of every module logger created so far.
func Levels() map[string]string {
	std.mu.RLock()
	defer std.mu.RUnlock()
	out := make(map[string]string, len(std.levels))
	for module, lv := range std.levels {
		out[module] = strings.ToLower(lv.Level().String())
	}
	return out
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func (r *registry) initialize(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg = cfg
	r.cfg.Modules = maps.Clone(cfg.Modules)
	r.initialized = true
	r.root.Set(r.levelFor(""))

	for module, lv := range r.levels {
		lv.Set(r.levelFor(module))
		r.loggers[module] = slog.New(r.handler(lv)).With("module", module)
	}
	slog.SetDefault(slog.New(r.handler(r.root)))
}

func (r *registry) apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.Level = cfg.Level
	r.cfg.Modules = maps.Clone(cfg.Modules)
	r.root.Set(r.levelFor(""))
	for module, lv := range r.levels {
		lv.Set(r.levelFor(module))
	}
}

func (r *registry) logger(module string) *slog.Logger {
	r.mu.RLock()
	if l, ok := r.loggers[module]; ok {
		r.mu.RUnlock()
		return l
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[module]; ok {
		return l
	}

	lv := &slog.LevelVar{}
	lv.Set(r.levelFor(module))
	l := slog.New(r.handler(lv)).With("module", module)
	r.levels[module] = lv
	r.loggers[module] = l
	return l
}

// levelFor resolves the module override, then the global level, then info.
// Caller holds r.mu.
func (r *registry) levelFor(module string) slog.Level {
	if !r.initialized {
		return slog.LevelInfo
	}
	if s, ok := r.cfg.Modules[module]; ok && module != "" {
		if l, err := ParseLevel(s); err == nil {
			return l
		}
	}
	if l, err := ParseLevel(r.cfg.Level); err == nil {
		return l
	}
	return slog.LevelInfo
}

// handler builds the output chain: stdout (or the configured writer) and
// the systemd journal when one is reachable.
func (r *registry) handler(level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	out := r.cfg.Output
	if out == nil {
		out = os.Stdout
	}
	var primary slog.Handler
	if r.cfg.Format == "json" {
		primary = slog.NewJSONHandler(out, opts)
	} else {
		primary = slog.NewTextHandler(out, opts)
	}

	if r.cfg.Output != nil || !IsJournalAvailable() {
		return primary
	}
	if !isStdoutAvailable() {
		return NewJournalHandler(level)
	}
	return NewMultiHandler(primary, NewJournalHandler(level))
}

// isStdoutAvailable reports whether stdout goes to a terminal, pipe, socket
// or regular file rather than /dev/null.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&os.ModeCharDevice != 0 || mode&os.ModeNamedPipe != 0 || mode&os.ModeSocket != 0 || mode.IsRegular()
}
