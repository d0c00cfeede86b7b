package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal entry; filter with journalctl -t.
const SyslogIdentifier = "workerctl"

// JournalHandler sends records to the systemd journal. The module becomes
// WORKERCTL_MODULE and a pid attribute WORKER_PID, so one worker's lines
// can be selected with journalctl WORKER_PID=1234.
type JournalHandler struct {
	scope
}

// NewJournalHandler creates a journal handler at level.
func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{scope{level: level}}
}

func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.enabled(level)
}

func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	module, attrs := h.flatten(r)
	fields := make(map[string]string, len(attrs)+2)
	fields["SYSLOG_IDENTIFIER"] = SyslogIdentifier
	fields["WORKERCTL_MODULE"] = module
	for key, value := range attrs {
		fields[journalField(key)] = fmt.Sprint(value)
	}
	if err := journal.Send(r.Message, journalPriority(r.Level), fields); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &JournalHandler{h.withAttrs(attrs)}
}

func (h *JournalHandler) WithGroup(name string) slog.Handler {
	return &JournalHandler{h.withGroup(name)}
}

func journalPriority(level slog.Level) journal.Priority {
	switch levelName(level) {
	case "error":
		return journal.PriErr
	case "warn":
		return journal.PriWarning
	case "info":
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// journalField maps an attribute key to a journal field name: uppercase
// letters, digits and underscores, not starting with an underscore.
func journalField(key string) string {
	if key == "pid" {
		return "WORKER_PID"
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	name = strings.TrimLeft(name, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "ATTR_" + name
	}
	// PRIORITY, MESSAGE and friends belong to the journal.
	switch name {
	case "MESSAGE", "PRIORITY", "SYSLOG_IDENTIFIER", "CODE_FILE", "CODE_LINE", "CODE_FUNC":
		name = "ATTR_" + name
	}
	return name
}

// IsJournalAvailable reports whether the journal socket is reachable.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
