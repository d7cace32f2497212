package logging

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal entry.
const SyslogIdentifier = "hwdecode"

// JournalHandler writes records to the systemd journal. Attributes become
// journal fields named by their upper-cased group path.
type JournalHandler struct {
	level  slog.Leveler
	fields map[string]string // from WithAttrs
	prefix string            // open groups, joined with "_"
}

// NewJournalHandler creates a journal handler. level may be a
// *slog.LevelVar.
func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level, fields: map[string]string{}}
}

// Enabled implements slog.Handler.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	priority := journalPriority(r.Level)

	fields := maps.Clone(h.fields)
	fields["SYSLOG_IDENTIFIER"] = SyslogIdentifier
	fields["PRIORITY"] = strconv.Itoa(int(priority))
	r.Attrs(func(a slog.Attr) bool {
		putField(fields, h.prefix, a)
		return true
	})

	return journal.Send(r.Message, priority, fields)
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := maps.Clone(h.fields)
	for _, a := range attrs {
		putField(fields, h.prefix, a)
	}
	return &JournalHandler{level: h.level, fields: fields, prefix: h.prefix}
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{level: h.level, fields: h.fields, prefix: joinKey(h.prefix, name)}
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return strings.ToUpper(key)
	}
	return prefix + "_" + strings.ToUpper(key)
}

// putField stores a under prefix, flattening groups.
func putField(fields map[string]string, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := joinKey(prefix, a.Key)

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		for _, sub := range v.Group() {
			putField(fields, key, sub)
		}
	case slog.KindTime:
		fields[key] = v.Time().Format(time.RFC3339Nano)
	default:
		fields[key] = v.String()
	}
}

// IsJournalAvailable reports whether journald is listening.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
