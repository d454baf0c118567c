// Package session guards the single browser automation session shared by
// purchases and redemptions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when the session could not be acquired in time
var ErrBusy = errors.New("automation session busy")

// Launcher starts a browser on demand
type Launcher interface {
	Launch(ctx context.Context) (*Browser, error)
}

// Manager hands out at most one Lease at a time
type Manager struct {
	sem      chan struct{}
	launcher Launcher

	mu         sync.Mutex
	holder     string
	acquiredAt time.Time
	onWait     func(time.Duration)
}

// NewManager creates a session manager using launcher for browsers
func NewManager(launcher Launcher) *Manager {
	return &Manager{
		sem:      make(chan struct{}, 1),
		launcher: launcher,
	}
}

// OnWait registers a callback observing how long each Acquire waited
func (m *Manager) OnWait(fn func(time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWait = fn
}

// Acquire blocks until the session is free or ctx is done. A context that
// hits its deadline yields ErrBusy.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Lease, error) {
	start := time.Now()
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: held by %s", ErrBusy, m.Holder())
		}
		return nil, ctx.Err()
	}
	m.observeWait(time.Since(start))
	return m.newLease(owner), nil
}

// TryAcquire takes the session only if it is free right now
func (m *Manager) TryAcquire(owner string) (*Lease, bool) {
	select {
	case m.sem <- struct{}{}:
		return m.newLease(owner), true
	default:
		return nil, false
	}
}

// Holder returns the owner of the current lease, or ""
func (m *Manager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

// Busy reports whether a lease is outstanding
func (m *Manager) Busy() bool {
	return len(m.sem) > 0
}

func (m *Manager) newLease(owner string) *Lease {
	m.mu.Lock()
	m.holder = owner
	m.acquiredAt = time.Now()
	m.mu.Unlock()

	l := &Lease{m: m, owner: owner, id: uuid.NewString()}
	logrus.WithFields(logrus.Fields{"owner": owner, "lease": l.id}).Debug("Automation session acquired")
	return l
}

func (m *Manager) observeWait(d time.Duration) {
	m.mu.Lock()
	fn := m.onWait
	m.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	held := time.Since(m.acquiredAt)
	m.holder = ""
	m.mu.Unlock()
	<-m.sem
	logrus.WithFields(logrus.Fields{"owner": l.owner, "lease": l.id}).Debugf("Automation session released after %s", held.Round(time.Millisecond))
}

// Lease is exclusive use of the automation session until Release
type Lease struct {
	m     *Manager
	owner string
	id    string

	mu       sync.Mutex
	browser  *Browser
	released bool
}

// ID identifies the lease in logs
func (l *Lease) ID() string { return l.id }

// Owner is the name passed to Acquire
func (l *Lease) Owner() string { return l.owner }

// Browser returns the lease's browser, launching it on first use
func (l *Lease) Browser(ctx context.Context) (*Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, fmt.Errorf("lease %s already released", l.id)
	}
	if l.browser != nil {
		return l.browser, nil
	}
	if l.m.launcher == nil {
		return nil, fmt.Errorf("no browser launcher configured")
	}

	b, err := l.m.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	l.browser = b
	return b, nil
}

// Release closes the browser, if any, and frees the session. It is safe to
// call more than once.
func (l *Lease) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	b := l.browser
	l.browser = nil
	l.mu.Unlock()

	var err error
	if b != nil {
		if err = b.Close(); err != nil {
			logrus.WithField("lease", l.id).Warnf("Failed to close browser: %v", err)
		}
	}
	l.m.release(l)
	return err
}
