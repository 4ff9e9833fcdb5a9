// Package waiter implements a keyed future registry (C5): callers block
// on a key until some other goroutine completes it, times it out, or the
// owning connection disconnects and cancels every outstanding wait for
// that connection. Multiple waiters on the same key are served FIFO, one
// per Complete call, mirroring the correlation-ID promise queues used to
// match asynchronous responses to requests in wire protocols.
//
// Grounded on the promisedReq/promisedResp correlation-ID queueing in the
// Kafka client example (pkg/kgo/broker.go in the retrieval pack), adapted
// from a single in-order response stream to an arbitrary-key registry.
package waiter

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned to a waiter cancelled via CancelKey or
// CancelAll (e.g. because the owning connection disconnected).
var ErrCancelled = errors.New("waiter: cancelled")

// ErrTimeout is returned when ctx is cancelled or expires before
// Complete is called for the waiter's key.
var ErrTimeout = errors.New("waiter: timed out")

type entry struct {
	ch chan result
}

type result struct {
	value interface{}
	err   error
}

// Waiter is a FIFO-per-key future registry. The zero value is not
// usable; construct with New.
type Waiter struct {
	mu      sync.Mutex
	waiting map[interface{}][]*entry
}

// New constructs an empty Waiter.
func New() *Waiter {
	return &Waiter{waiting: make(map[interface{}][]*entry)}
}

// Wait blocks until Complete(key, ...) is called (consuming the oldest
// still-waiting entry for key), ctx is done, or the wait is cancelled.
func (w *Waiter) Wait(ctx context.Context, key interface{}) (interface{}, error) {
	e := &entry{ch: make(chan result, 1)}

	w.mu.Lock()
	w.waiting[key] = append(w.waiting[key], e)
	w.mu.Unlock()

	select {
	case r := <-e.ch:
		return r.value, r.err
	case <-ctx.Done():
		w.remove(key, e)
		return nil, ErrTimeout
	}
}

func (w *Waiter) remove(key interface{}, target *entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := w.waiting[key]
	for i, e := range entries {
		if e == target {
			w.waiting[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(w.waiting[key]) == 0 {
		delete(w.waiting, key)
	}
}

// Complete wakes the oldest still-waiting entry for key with value. It
// reports whether any waiter was present to receive it.
func (w *Waiter) Complete(key interface{}, value interface{}) bool {
	w.mu.Lock()
	entries := w.waiting[key]
	if len(entries) == 0 {
		w.mu.Unlock()
		return false
	}
	e := entries[0]
	w.waiting[key] = entries[1:]
	if len(w.waiting[key]) == 0 {
		delete(w.waiting, key)
	}
	w.mu.Unlock()

	e.ch <- result{value: value}
	return true
}

// CompleteAll wakes every waiter currently registered for key with the
// same value, rather than only the oldest. Used where a single event
// (e.g. a key going permanently unreachable) needs to resolve every
// caller blocked on it instead of just the next one in line.
func (w *Waiter) CompleteAll(key interface{}, value interface{}) int {
	w.mu.Lock()
	entries := w.waiting[key]
	delete(w.waiting, key)
	w.mu.Unlock()

	for _, e := range entries {
		e.ch <- result{value: value}
	}
	return len(entries)
}

// CancelKey fails every waiter currently registered for key with err (or
// ErrCancelled if err is nil).
func (w *Waiter) CancelKey(key interface{}, err error) {
	if err == nil {
		err = ErrCancelled
	}
	w.mu.Lock()
	entries := w.waiting[key]
	delete(w.waiting, key)
	w.mu.Unlock()

	for _, e := range entries {
		e.ch <- result{err: err}
	}
}

// CancelAll fails every outstanding waiter across every key. Used when
// the connection backing this Waiter disconnects.
func (w *Waiter) CancelAll(err error) {
	if err == nil {
		err = ErrCancelled
	}
	w.mu.Lock()
	all := w.waiting
	w.waiting = make(map[interface{}][]*entry)
	w.mu.Unlock()

	for _, entries := range all {
		for _, e := range entries {
			e.ch <- result{err: err}
		}
	}
}

// WaitFor is a typed convenience wrapper: it waits on key and asserts
// the completed value to type T, returning a type-mismatch error if
// Complete was called with the wrong type.
func WaitFor[T any](ctx context.Context, w *Waiter, key interface{}) (T, error) {
	var zero T
	v, err := w.Wait(ctx, key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.New("waiter: completed value has unexpected type")
	}
	return typed, nil
}
