// Package editlock holds the client side of the single-writer edit session:
// it acquires the canvas lease, renews it while the session is open and
// demotes the session to read-only when the lease is held elsewhere or lost.
package editlock

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/logging"
)

// HeartbeatInterval is how often a holder renews its lease. The server
// expires a lease after two missed heartbeats.
const HeartbeatInterval = 30 * time.Second

// ErrExpired is returned by SessionAPI.Heartbeat when the caller no longer
// holds the lease.
var ErrExpired = errors.New("edit session expired")

// Status is the result of a non-mutating permission check.
type Status struct {
	CanEdit    bool   `json:"canEdit"`
	HolderName string `json:"editingUserName,omitempty"`
}

type AcquireResult struct {
	Granted    bool   `json:"granted"`
	HolderName string `json:"holderName,omitempty"`
}

// SessionAPI is the server side of the edit session lease.
type SessionAPI interface {
	Check(ctx context.Context, canvasID string) (Status, error)
	Acquire(ctx context.Context, canvasID string) (AcquireResult, error)
	Heartbeat(ctx context.Context, canvasID string) error
	Release(ctx context.Context, canvasID string) error
}

// State is what a session currently may do.
type State struct {
	Held       bool
	HolderName string
}

func (s State) ReadOnly() bool { return !s.Held }

type Option func(*Manager)

func WithInterval(d time.Duration) Option { return func(m *Manager) { m.interval = d } }

func WithNotifier(n canvas.Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithLogger(l logr.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager tracks the lease of one canvas for one viewer.
type Manager struct {
	api      SessionAPI
	canvasID string
	interval time.Duration
	notifier canvas.Notifier
	log      logr.Logger

	mu       sync.Mutex
	state    State
	onChange []func(State)
	stop     chan struct{}
	done     chan struct{}
}

func New(api SessionAPI, canvasID string, opts ...Option) *Manager {
	m := &Manager{
		api:      api,
		canvasID: canvasID,
		interval: HeartbeatInterval,
		notifier: canvas.Discard,
		log:      logging.Log().WithName("editlock"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers fn to run whenever the state changes.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) ReadOnly() bool { return m.State().ReadOnly() }

// HolderName is the display name of whoever else holds the lease, if known.
func (m *Manager) HolderName() string { return m.State().HolderName }

// Check asks whether the viewer could edit, without taking the lease. When
// someone else is editing, their name is recorded for HolderName.
func (m *Manager) Check(ctx context.Context) (Status, error) {
	status, err := m.api.Check(ctx, m.canvasID)
	if err != nil {
		return Status{}, err
	}
	if !status.CanEdit && !m.State().Held {
		m.set(State{HolderName: status.HolderName})
	}
	return status, nil
}

// Acquire requests the lease. When it is granted the heartbeat starts;
// otherwise the session is read-only and HolderName names the editor.
func (m *Manager) Acquire(ctx context.Context) (bool, error) {
	m.mu.Lock()
	held := m.state.Held
	m.mu.Unlock()
	if held {
		return true, nil
	}

	res, err := m.api.Acquire(ctx, m.canvasID)
	if err != nil {
		return false, err
	}
	if !res.Granted {
		m.log.V(1).Info("Canvas is being edited elsewhere", "canvas", m.canvasID, "holder", res.HolderName)
		m.set(State{HolderName: res.HolderName})
		return false, nil
	}
	m.set(State{Held: true})
	m.startHeartbeat()
	return true, nil
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.heartbeat(m.stop, m.done)
}

func (m *Manager) heartbeat(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		err := m.api.Heartbeat(ctx, m.canvasID)
		cancel()
		switch {
		case errors.Is(err, ErrExpired):
			m.log.Info("Edit session expired", "canvas", m.canvasID)
			m.mu.Lock()
			m.stop, m.done = nil, nil
			m.mu.Unlock()
			m.notifier.Notify(canvas.Notice{
				Level:   canvas.LevelWarning,
				Action:  "edit session",
				Message: "Your edit session expired. The canvas is now read-only.",
			})
			m.set(State{})
			return
		case err != nil:
			// A single failed renewal is survivable; the server only expires
			// the lease after two.
			m.log.Error(err, "Renewing edit session", "canvas", m.canvasID)
		}
	}
}

// Release stops the heartbeat and gives the lease back.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	held := m.state.Held
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if !held {
		return nil
	}
	m.set(State{})
	return m.api.Release(ctx, m.canvasID)
}

// Close is Release for deferred cleanup.
func (m *Manager) Close(ctx context.Context) error { return m.Release(ctx) }

func (m *Manager) set(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fns := slices.Clone(m.onChange)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
