// Package lease implements an idle-release lease: a resource is acquired on
// use, released after an idle window with no use, and transparently
// reacquired on the next use.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
)

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("lease closed")

// Lease tracks in-flight operations against a resource and releases it once
// no operation has touched it for the idle window. The idle timer is
// cancelled at the start and rearmed at the end of every operation, so it
// never fires mid-operation.
type Lease struct {
	idle    time.Duration
	acquire func(ctx context.Context) error
	release func() error
	log     *zap.Logger

	mu     sync.Mutex
	held   bool
	active int
	gen    uint64
	timer  *time.Timer
	closed bool

	suspends int
	resumes  int
}

// New returns a lease that starts out held. acquire and release are called
// with the lease lock held and must not call back into the lease.
func New(idle time.Duration, acquire func(ctx context.Context) error, release func() error) *Lease {
	return &Lease{
		idle:    idle,
		acquire: acquire,
		release: release,
		log:     logging.Named("lease"),
		held:    true,
	}
}

// Begin marks the start of an operation. It cancels a pending idle release
// and reacquires the resource if it was released.
func (l *Lease) Begin(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.gen++
	l.stopTimer()

	if !l.held {
		if err := l.acquire(ctx); err != nil {
			return err
		}
		l.held = true
		l.resumes++
		metrics.RecordLeaseResume()
		l.log.Debug("lease reacquired")
	}
	l.active++
	return nil
}

// End marks the end of an operation started with Begin.
func (l *Lease) End() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
	l.armLocked()
}

// Arm starts the idle timer without an operation, e.g. right after init.
func (l *Lease) Arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armLocked()
}

func (l *Lease) armLocked() {
	if l.closed || l.active > 0 || !l.held {
		return
	}
	l.gen++
	gen := l.gen
	l.stopTimer()
	l.timer = time.AfterFunc(l.idle, func() { l.expire(gen) })
}

func (l *Lease) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Lease) expire(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A Begin or End since this timer was armed supersedes it.
	if gen != l.gen || l.active > 0 || !l.held || l.closed {
		return
	}
	l.timer = nil
	if err := l.release(); err != nil {
		l.log.Warn("idle release failed", zap.Error(err))
		return
	}
	l.held = false
	l.suspends++
	metrics.RecordLeaseSuspend()
	l.log.Debug("lease released after idle", zap.Duration("idle", l.idle))
}

// Held reports whether the resource is currently acquired.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Counts returns how many times the lease was released and reacquired.
func (l *Lease) Counts() (suspends, resumes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspends, l.resumes
}

// Close stops the timer and releases the resource if held.
func (l *Lease) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.stopTimer()
	if l.held {
		l.held = false
		return l.release()
	}
	return nil
}
