// Package syncutil provides drop-in replacements for the standard library's
// sync primitives that log how long locks are held when tracing for the
// "syncutil" facility is enabled (see package dlog). connection.Connection
// takes its lock through these types; the other components use sync.Mutex
// and sync.RWMutex directly.
package syncutil

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/soulseek-go/soulseek/dlog"
)

var (
	debug     = dlog.Enabled("syncutil")
	l         = dlog.Default("syncutil")
	threshold = 100 * time.Millisecond
)

// Mutex is a sync.Mutex that can be swapped for an instrumented
// implementation without changing call sites.
type Mutex interface {
	Lock()
	Unlock()
}

// RWMutex is a sync.RWMutex that can be swapped for an instrumented
// implementation without changing call sites.
type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

// NewMutex returns a Mutex, instrumented when tracing for "syncutil" is
// enabled via SLSKTRACE.
func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

// NewRWMutex returns an RWMutex, instrumented when tracing for "syncutil"
// is enabled via SLSKTRACE.
func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = caller()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		l.Debugf("mutex held %v, locked at %s unlocked at %s", d, m.lockedAt, caller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	m.start = time.Now()
	m.lockedAt = caller()
	if d := m.start.Sub(start); d >= threshold {
		l.Debugf("rwmutex took %v to lock at %s", d, m.lockedAt)
	}
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		l.Debugf("rwmutex held %v, locked at %s unlocked at %s", d, m.lockedAt, caller())
	}
	m.RWMutex.Unlock()
}

func caller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
