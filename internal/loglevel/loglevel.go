// Package loglevel wraps the stdlib logger with the bracketed severity tags
// used throughout the teacher repo ([INFO], [WARN], [ERROR], [DEBUG]), plus
// the config knobs to mute a tag or drop timestamps.
package loglevel

import (
	"log"
	"os"
	"strings"
	"sync"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) tag() string {
	switch l {
	case Debug:
		return "[DEBUG]"
	case Info:
		return "[INFO]"
	case Warn:
		return "[WARN]"
	case Error:
		return "[ERROR]"
	default:
		return "[?????]"
	}
}

var (
	mu      sync.Mutex
	minimum = Info
	ignored = map[string]bool{}
)

// SetMinLevel sets the minimum level that gets printed. Defaults to Info.
func SetMinLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minimum = l
}

// SetTimestamps toggles the standard logger's date/time prefix, matching
// spec.md's log.timestamps knob.
func SetTimestamps(enabled bool) {
	if enabled {
		log.SetFlags(log.Ldate | log.Ltime)
	} else {
		log.SetFlags(0)
	}
}

// SetIgnore mutes a comma-separated list of tags ("warn,debug"), matching
// spec.md's log.ignore knob.
func SetIgnore(csv string) {
	mu.Lock()
	defer mu.Unlock()
	ignored = map[string]bool{}
	for _, tag := range strings.Split(csv, ",") {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			ignored[tag] = true
		}
	}
}

func nameOf(l Level) string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return ""
	}
}

func printf(l Level, format string, args ...any) {
	mu.Lock()
	muted := l < minimum || ignored[nameOf(l)]
	mu.Unlock()

	if muted {
		return
	}

	log.Printf(l.tag()+" "+format, args...)
}

func Debugf(format string, args ...any) { printf(Debug, format, args...) }
func Infof(format string, args ...any)  { printf(Info, format, args...) }
func Warnf(format string, args ...any)  { printf(Warn, format, args...) }
func Errorf(format string, args ...any) { printf(Error, format, args...) }

func init() {
	log.SetOutput(os.Stderr)
}
