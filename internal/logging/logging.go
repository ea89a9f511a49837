package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Subsystem tags.
const (
	SubsystemAPI       = "API"
	SubsystemChallenge = "CHAL"
	SubsystemLedger    = "LDGR"
	SubsystemIndex     = "INDX"
	SubsystemScheduler = "SCHD"
	SubsystemNotify    = "NTFY"
	SubsystemStore     = "STOR"
)

var subsystems = []string{
	SubsystemAPI,
	SubsystemChallenge,
	SubsystemLedger,
	SubsystemIndex,
	SubsystemScheduler,
	SubsystemNotify,
	SubsystemStore,
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return slog.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return slog.LevelCritical, nil
	case "off":
		return slog.LevelOff, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Loggers hands out one logger per subsystem, all writing to the same
// backend at the same level.
type Loggers struct {
	backend *slog.Backend
	loggers map[string]slog.Logger
}

func New(w io.Writer, level slog.Level) *Loggers {
	l := &Loggers{
		backend: slog.NewBackend(w),
		loggers: make(map[string]slog.Logger, len(subsystems)),
	}
	for _, name := range subsystems {
		logger := l.backend.Logger(name)
		logger.SetLevel(level)
		l.loggers[name] = logger
	}
	return l
}

// Logger returns the logger for subsystem, creating it at info level if it
// is not one of the predefined tags.
func (l *Loggers) Logger(subsystem string) slog.Logger {
	if logger, ok := l.loggers[subsystem]; ok {
		return logger
	}
	logger := l.backend.Logger(subsystem)
	logger.SetLevel(slog.LevelInfo)
	l.loggers[subsystem] = logger
	return logger
}
