// Package pending correlates request ids with their replies.
//
// A waiter registers an id before sending its request, then blocks in Wait
// until the reader goroutine stores the reply, the timeout fires or the
// context ends. Whichever happens first removes the entry, so a late reply
// finds nothing registered and Store reports false.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned by Wait when no reply arrived in time.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrDuplicate is returned by Register for an id already waiting.
	ErrDuplicate = errors.New("request id already registered")

	// ErrNotRegistered is returned by Wait for an unknown id.
	ErrNotRegistered = errors.New("request id not registered")

	// ErrClosed is delivered to waiters when the table is closed.
	ErrClosed = errors.New("reply table closed")
)

type result[T any] struct {
	value T
	err   error
}

type slot[T any] struct {
	ch   chan result[T]
	done bool
}

// Table maps request ids to single-use reply slots.
type Table[T any] struct {
	mu      sync.Mutex
	waiters map[string]*slot[T]
	closed  error
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{waiters: make(map[string]*slot[T])}
}

// NewID returns a fresh request id.
func NewID() string {
	return uuid.NewString()
}

// Register reserves id for one reply.
func (t *Table[T]) Register(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	if _, ok := t.waiters[id]; ok {
		return ErrDuplicate
	}
	t.waiters[id] = &slot[T]{ch: make(chan result[T], 1)}
	return nil
}

// Store delivers v to the waiter for id. It reports false when nobody is
// waiting, in which case v is dropped.
func (t *Table[T]) Store(id string, v T) bool {
	return t.complete(id, result[T]{value: v})
}

// Fail delivers err to the waiter for id.
func (t *Table[T]) Fail(id string, err error) bool {
	return t.complete(id, result[T]{err: err})
}

func (t *Table[T]) complete(id string, r result[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.waiters[id]
	if !ok || s.done {
		return false
	}
	s.done = true
	s.ch <- r
	return true
}

// Wait blocks until the reply for id arrives, timeout elapses (zero means
// no timeout) or ctx is done. The entry is always removed on return.
func (t *Table[T]) Wait(ctx context.Context, id string, timeout time.Duration) (T, error) {
	t.mu.Lock()
	s, ok := t.waiters[id]
	t.mu.Unlock()
	if !ok {
		var zero T
		return zero, ErrNotRegistered
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-s.ch:
		t.remove(id, s)
		return r.value, r.err
	case <-expired:
		return t.abandon(id, s, ErrTimeout)
	case <-ctx.Done():
		return t.abandon(id, s, ctx.Err())
	}
}

// abandon removes id unless a reply won the race, in which case the reply
// is returned instead of err.
func (t *Table[T]) abandon(id string, s *slot[T], err error) (T, error) {
	t.mu.Lock()
	delivered := s.done
	s.done = true
	t.mu.Unlock()
	t.remove(id, s)
	if !delivered {
		var zero T
		return zero, err
	}
	r := <-s.ch
	return r.value, r.err
}

func (t *Table[T]) remove(id string, s *slot[T]) {
	t.mu.Lock()
	if t.waiters[id] == s {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
}

// Cancel removes id without delivering anything.
func (t *Table[T]) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.waiters[id]
	if !ok {
		return false
	}
	s.done = true
	delete(t.waiters, id)
	return true
}

// Close fails every waiter with err (ErrClosed if nil) and refuses later
// registrations.
func (t *Table[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed == nil {
		t.closed = err
	}
	for _, s := range t.waiters {
		if !s.done {
			s.done = true
			s.ch <- result[T]{err: err}
		}
	}
}

// Len returns the number of registered ids not yet removed.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
