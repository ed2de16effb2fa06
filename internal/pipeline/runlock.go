package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// LeaseStore holds per-flow leases visible to every process sharing the
// database. *store.Store satisfies it.
type LeaseStore interface {
	AcquireLease(ctx context.Context, flow, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, flow, holder string) error
}

// RunLock allows at most one run per flow at a time. Without a LeaseStore
// it only guards the current process.
type RunLock struct {
	mu      sync.Mutex
	running map[string]bool

	leases LeaseStore
	ttl    time.Duration
	holder string
	clock  clockwork.Clock
}

type LockOption func(*RunLock)

// WithLeases backs the lock with leases in s that expire after ttl, so a
// crashed holder cannot block a flow forever.
func WithLeases(s LeaseStore, ttl time.Duration) LockOption {
	return func(l *RunLock) {
		l.leases = s
		l.ttl = ttl
	}
}

func WithLockClock(c clockwork.Clock) LockOption { return func(l *RunLock) { l.clock = c } }

func NewRunLock(opts ...LockOption) *RunLock {
	host, _ := os.Hostname()
	l := &RunLock{
		running: make(map[string]bool),
		holder:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()),
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TryAcquire marks flow as running in this process. It reports false
// without blocking when the flow already is; otherwise the returned func
// releases it.
func (l *RunLock) TryAcquire(flow string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[flow] {
		return nil, false
	}
	l.running[flow] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, flow)
			l.mu.Unlock()
		})
	}, true
}

// Acquire is TryAcquire plus the flow's lease when the lock has a
// LeaseStore.
func (l *RunLock) Acquire(ctx context.Context, flow string) (func(), bool, error) {
	release, ok := l.TryAcquire(flow)
	if !ok || l.leases == nil {
		return release, ok, nil
	}

	ok, err := l.leases.AcquireLease(ctx, flow, l.holder, l.clock.Now(), l.ttl)
	if err != nil || !ok {
		release()
		return nil, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.leases.ReleaseLease(context.Background(), flow, l.holder); err != nil {
				log.Printf("pipeline: release %s lease: %v", flow, err)
			}
			release()
		})
	}, true, nil
}

func (l *RunLock) Running(flow string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[flow]
}
