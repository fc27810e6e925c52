// ABOUTME: User-facing notices (toast equivalents) raised by the controller and its collaborators
// ABOUTME: Provides a slog-backed notifier, a fan-out notifier and an in-memory recorder

// Package notify carries user-visible notices out of the core. Components
// never talk to a UI directly; they raise a Notice and the caller decides how
// to present it.
package notify

import (
	"log/slog"
	"sync"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one user-visible message.
type Notice struct {
	Level   Level
	Source  string // component that raised it, e.g. "bootstrap"
	Message string
}

// Notifier receives notices. Implementations must not block for long.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a plain function to Notifier.
type Func func(n Notice)

// Notify calls f(n).
func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// LogNotifier writes notices to a slog logger at the matching level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. Pass nil logger for default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify logs the notice.
func (l *LogNotifier) Notify(n Notice) {
	switch n.Level {
	case LevelError:
		l.logger.Error(n.Message, "source", n.Source)
	case LevelWarning:
		l.logger.Warn(n.Message, "source", n.Source)
	default:
		l.logger.Info(n.Message, "source", n.Source)
	}
}

// Multi fans a notice out to several notifiers in order.
type Multi []Notifier

// Notify forwards n to every notifier.
func (m Multi) Notify(n Notice) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// Recorder keeps every notice in memory. Useful in tests and for replaying
// notices to a late subscriber.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify records n.
func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// ByLevel returns the recorded notices with the given level.
func (r *Recorder) ByLevel(level Level) []Notice {
	var out []Notice
	for _, n := range r.Notices() {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}
