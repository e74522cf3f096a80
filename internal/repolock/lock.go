// Package repolock provides per-repository readers/writer locks keyed by repository name.
//
// Locks are created lazily on first use and live for the lifetime of the Table. They are never
// evicted, so a name always maps to the same lock and no holder can observe a recreated one.
package repolock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Mode selects shared (read) or exclusive (write) access.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// capacity is the semaphore weight a writer takes. Readers take 1.
const capacity int64 = 1 << 32

// Lock is a readers-many/writer-one lock. Waiters are admitted in arrival order, so once a
// writer is queued no reader that arrives later is admitted before it.
type Lock struct {
	sem     *semaphore.Weighted
	readers atomic.Int64
	writers atomic.Int64
	waiting atomic.Int64
}

func newLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(capacity)}
}

// State reports the current number of read and write holders.
func (l *Lock) State() (readers, writers int64) {
	return l.readers.Load(), l.writers.Load()
}

// Waiting reports how many callers are blocked in Acquire.
func (l *Lock) Waiting() int64 {
	return l.waiting.Load()
}

// Idle reports whether nobody holds the lock.
func (l *Lock) Idle() bool {
	r, w := l.State()
	return r == 0 && w == 0
}

func (l *Lock) acquire(ctx context.Context, mode Mode) error {
	weight := int64(1)
	if mode == Write {
		weight = capacity
	}
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, weight)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	if mode == Write {
		l.writers.Add(1)
	} else {
		l.readers.Add(1)
	}
	return nil
}

func (l *Lock) release(mode Mode) {
	weight := int64(1)
	if mode == Write {
		l.writers.Add(-1)
		weight = capacity
	} else {
		l.readers.Add(-1)
	}
	l.sem.Release(weight)
}

// Guard is a held lock. Release is safe to call more than once.
type Guard struct {
	name string
	mode Mode
	lock *Lock
	once sync.Once
}

func (g *Guard) Name() string { return g.name }
func (g *Guard) Mode() Mode   { return g.mode }

// Release gives the lock back. Only the first call has an effect.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.lock.release(g.mode)
	})
}

// Observer is notified after every successful acquisition with the time spent waiting.
type Observer func(name string, mode Mode, waited time.Duration)

// Table maps repository names to locks.
type Table struct {
	mu       sync.Mutex
	locks    map[string]*Lock
	observer Observer
}

func NewTable() *Table {
	return &Table{locks: make(map[string]*Lock)}
}

// SetObserver installs fn as the wait-time observer. Passing nil disables observation.
func (t *Table) SetObserver(fn Observer) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Lock returns the lock for name, creating it if necessary.
func (t *Table) Lock(name string) *Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[name]
	if !ok {
		l = newLock()
		t.locks[name] = l
	}
	return l
}

// Acquire blocks until name is held in the requested mode or ctx is done.
func (t *Table) Acquire(ctx context.Context, name string, mode Mode) (*Guard, error) {
	l := t.Lock(name)
	start := time.Now()
	if err := l.acquire(ctx, mode); err != nil {
		return nil, err
	}
	t.mu.Lock()
	observe := t.observer
	t.mu.Unlock()
	if observe != nil {
		observe(name, mode, time.Since(start))
	}
	return &Guard{name: name, mode: mode, lock: l}, nil
}

func (t *Table) AcquireRead(ctx context.Context, name string) (*Guard, error) {
	return t.Acquire(ctx, name, Read)
}

func (t *Table) AcquireWrite(ctx context.Context, name string) (*Guard, error) {
	return t.Acquire(ctx, name, Write)
}

// State reports holders of the named lock without creating it.
func (t *Table) State(name string) (readers, writers int64) {
	t.mu.Lock()
	l, ok := t.locks[name]
	t.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return l.State()
}

// Len returns the number of locks created so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
