package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/canvasgraph/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrLeaseLost is returned when a token no longer owns the canvas
var ErrLeaseLost = errors.New("lease not held")

// Lease is exclusive edit ownership of one canvas
type Lease struct {
	CanvasID   string    `json:"canvas_id"`
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l *Lease) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// PatchEvent tells subscribers that a patch landed on a canvas
type PatchEvent struct {
	CanvasID string             `json:"canvas_id"`
	PatchID  string             `json:"patch_id"`
	Seq      int64              `json:"seq"`
	Source   models.PatchSource `json:"source"`
	At       time.Time          `json:"at"`
}

// Notifier forwards patch events out of process
type Notifier interface {
	PublishPatch(ctx context.Context, event PatchEvent) error
}

// ManagerOpts contains options for creating a lock manager
type ManagerOpts struct {
	Logger     Logger
	DefaultTTL time.Duration

	// Optional
	Notifier Notifier
}

// Manager grants per-canvas leases and fans out patch notifications
type Manager struct {
	logger     Logger
	defaultTTL time.Duration
	notifier   Notifier

	mu      sync.Mutex
	gates   map[string]*sync.Mutex
	leases  map[string]*Lease
	waiters map[string]chan struct{}
	subs    map[string]map[int]chan PatchEvent
	nextSub int

	now func() time.Time
}

// NewManager creates a lock manager
func NewManager(opts *ManagerOpts) *Manager {
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{
		logger:     opts.Logger,
		defaultTTL: ttl,
		notifier:   opts.Notifier,
		gates:      make(map[string]*sync.Mutex),
		leases:     make(map[string]*Lease),
		waiters:    make(map[string]chan struct{}),
		subs:       make(map[string]map[int]chan PatchEvent),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// current returns the live lease for canvasID, dropping an expired one.
// Caller holds m.mu.
func (m *Manager) current(canvasID string) *Lease {
	l, ok := m.leases[canvasID]
	if !ok {
		return nil
	}
	if l.expired(m.now()) {
		m.releaseLocked(canvasID)
		m.logger.Warn("canvas lease expired", "canvas_id", canvasID, "holder", l.Holder)
		return nil
	}
	return l
}

// releaseLocked drops the lease and wakes waiters. Caller holds m.mu.
func (m *Manager) releaseLocked(canvasID string) {
	delete(m.leases, canvasID)
	if ch, ok := m.waiters[canvasID]; ok {
		close(ch)
		delete(m.waiters, canvasID)
	}
}

// TryLock acquires the canvas or fails with *models.LockContentionError
func (m *Manager) TryLock(canvasID, holder string, ttl time.Duration) (*Lease, error) {
	if canvasID == "" || holder == "" {
		return nil, fmt.Errorf("canvas id and holder are required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	// a lease is never granted while a writer is between check and commit
	gate := m.gate(canvasID)
	gate.Lock()
	defer gate.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.current(canvasID); l != nil {
		return nil, &models.LockContentionError{CanvasID: canvasID, Holder: l.Holder, ExpiresAt: l.ExpiresAt}
	}

	now := m.now()
	l := &Lease{
		CanvasID:   canvasID,
		Token:      uuid.NewString(),
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.leases[canvasID] = l
	m.logger.Info("canvas locked", "canvas_id", canvasID, "holder", holder, "ttl", ttl)

	out := *l
	return &out, nil
}

// Lock waits until the canvas is free, then acquires it
func (m *Manager) Lock(ctx context.Context, canvasID, holder string, ttl time.Duration) (*Lease, error) {
	for {
		lease, err := m.TryLock(canvasID, holder, ttl)
		if err == nil {
			return lease, nil
		}
		var contention *models.LockContentionError
		if !errors.As(err, &contention) {
			return nil, err
		}

		m.mu.Lock()
		ch, ok := m.waiters[canvasID]
		if !ok {
			ch = make(chan struct{})
			m.waiters[canvasID] = ch
		}
		m.mu.Unlock()

		// wake on release or on expiry, whichever comes first
		timer := time.NewTimer(time.Until(contention.ExpiresAt))
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("failed to lock canvas %s: %w", canvasID, ctx.Err())
		}
		timer.Stop()
	}
}

// Unlock releases the canvas if token still owns it
func (m *Manager) Unlock(canvasID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.current(canvasID)
	if l == nil || l.Token != token {
		return fmt.Errorf("canvas %s: %w", canvasID, ErrLeaseLost)
	}
	m.releaseLocked(canvasID)
	m.logger.Info("canvas unlocked", "canvas_id", canvasID, "holder", l.Holder)
	return nil
}

// Renew extends the lease held by token
func (m *Manager) Renew(canvasID, token string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.current(canvasID)
	if l == nil || l.Token != token {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, ErrLeaseLost)
	}
	l.ExpiresAt = m.now().Add(ttl)
	m.logger.Debug("canvas lease renewed", "canvas_id", canvasID, "expires_at", l.ExpiresAt)

	out := *l
	return &out, nil
}

// ForceRelease drops any lease on the canvas. Operators only.
func (m *Manager) ForceRelease(canvasID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[canvasID]
	if !ok {
		return false
	}
	m.releaseLocked(canvasID)
	m.logger.Warn("canvas lease force released", "canvas_id", canvasID, "holder", l.Holder)
	return true
}

// IsLocked reports whether a live lease exists
func (m *Manager) IsLocked(canvasID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(canvasID) != nil
}

// Lease returns a copy of the live lease
func (m *Manager) Lease(canvasID string) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.current(canvasID)
	if l == nil {
		return nil, false
	}
	out := *l
	return &out, true
}

// CheckWritable allows a mutation when the canvas is unlocked or token
// owns it. Users pass an empty token.
func (m *Manager) CheckWritable(canvasID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.current(canvasID)
	if l == nil || (token != "" && l.Token == token) {
		return nil
	}
	return &models.LockContentionError{CanvasID: canvasID, Holder: l.Holder, ExpiresAt: l.ExpiresAt}
}

// WithWritable runs fn when the canvas is writable for token, and keeps
// any lease from being granted until fn returns. fn must not take a lease
// on the same canvas.
func (m *Manager) WithWritable(canvasID, token string, fn func() error) error {
	gate := m.gate(canvasID)
	gate.Lock()
	defer gate.Unlock()

	if err := m.CheckWritable(canvasID, token); err != nil {
		return err
	}
	return fn()
}

func (m *Manager) gate(canvasID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gates[canvasID]
	if !ok {
		g = &sync.Mutex{}
		m.gates[canvasID] = g
	}
	return g
}

// ReleaseExpired sweeps expired leases and returns how many were dropped
func (m *Manager) ReleaseExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for id, l := range m.leases {
		if l.expired(now) {
			m.releaseLocked(id)
			m.logger.Warn("canvas lease expired", "canvas_id", id, "holder", l.Holder)
			n++
		}
	}
	return n
}
