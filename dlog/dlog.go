// Package dlog implements the package-internal trace logger used across
// this module, in the spirit of the teacher corpus's "STTRACE" facility
// switch: a single environment variable lists the comma-separated
// facilities to trace, and every package that wants tracing asks dlog
// whether it's enabled for its own name.
package dlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

const traceEnvVar = "SLSKTRACE"

var (
	enabledFacilities = strings.Split(os.Getenv(traceEnvVar), ",")
	allEnabled        = os.Getenv(traceEnvVar) == "all"
)

// Enabled reports whether tracing is turned on for the named facility.
func Enabled(facility string) bool {
	if allEnabled {
		return true
	}
	for _, f := range enabledFacilities {
		if f == facility {
			return true
		}
	}
	return false
}

// Logger is a minimal leveled logger with an optional handler hook, modeled
// on the teacher's calmh/logger package.
type Logger struct {
	facility string
	std      *log.Logger
	mut      sync.Mutex
	handlers []Handler
}

// Handler receives every logged line regardless of level; used to fan
// trace output into the diagnostic event bus when desired.
type Handler func(level, facility, msg string)

var (
	mu       sync.Mutex
	loggers  = map[string]*Logger{}
	output   io.Writer = os.Stderr
)

// Default returns the shared Logger instance for a facility, creating it
// on first use.
func Default(facility string) *Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[facility]; ok {
		return l
	}
	l := &Logger{
		facility: facility,
		std:      log.New(output, "", log.Ltime),
	}
	loggers[facility] = l
	return l
}

// AddHandler registers a handler invoked on every log call made through
// this Logger, i.e. for this Logger's facility only.
func (l *Logger) AddHandler(h Handler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers = append(l.handlers, h)
}

func (l *Logger) emit(level, s string) {
	l.std.Output(3, fmt.Sprintf("%s[%s]: %s", level, l.facility, s))
	l.mut.Lock()
	hs := l.handlers
	l.mut.Unlock()
	for _, h := range hs {
		h(level, l.facility, s)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.emit("DEBUG", fmt.Sprintf(format, args...)) }
func (l *Logger) Debugln(args ...interface{})                { l.emit("DEBUG", fmt.Sprintln(args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.emit("INFO", fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.emit("WARN", fmt.Sprintf(format, args...)) }
