// Package session implements the session manager (spec C8): it owns the
// current OPC UA session, drives automatic reconnect through a pluggable
// reconnect handler, stall-detects a reconnection that never completes, and
// coordinates handoff to the subscription (C6) and polling (C5) managers.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"golang.org/x/sync/semaphore"

	"github.com/andonworks/opcua-runtime/internal/opcua/polling"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
	"github.com/andonworks/opcua-runtime/internal/opcua/writepipeline"
)

// HandlerState is the transport reconnect handler's state machine, modelled
// after the begin_reconnect/completion_callback contract spec.md §6 assumes
// of the transport dependency.
type HandlerState int

const (
	HandlerIdle HandlerState = iota
	HandlerReady
	HandlerTriggered
	HandlerReconnecting
)

// Reconnector is the transport's reconnect handler. BeginReconnect must call
// onDone exactly once, successful or not.
type Reconnector interface {
	State() HandlerState
	BeginReconnect(ctx context.Context, onDone func(newClient *opcua.Client, err error))
}

// Session is an opaque, atomically-replaceable transport session handle.
type Session struct {
	Client     *opcua.Client
	ID         uuid.UUID // correlates this session's lifetime across log lines
	Generation uint64
	CreatedAt  time.Time
}

// Config configures endpoint connection parameters.
type Config struct {
	EndpointURL             string
	ApplicationName         string
	SessionTimeout          time.Duration
	ReconnectHandlerTimeout time.Duration
}

// Manager is the session manager.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	sessionPtr     atomic.Pointer[Session]
	generationSeed atomic.Uint64

	// reconnectLock is the single-permit coalescing lock guarding the
	// reconnect state machine (§5, §9 open question #2).
	reconnectLock *semaphore.Weighted

	reconnecting atomic.Bool
	disposed     atomic.Bool
	stallTicks   atomic.Int32

	reconnectHandler Reconnector
	subs             *subscription.Manager

	onReconnectComplete func(ctx context.Context)

	dialFn func(ctx context.Context, cfg Config) (*opcua.Client, error)
}

// New builds a session Manager. dialFn creates and connects a fresh
// transport client; it is pluggable so tests can substitute a fake.
func New(cfg Config, reconnectHandler Reconnector, subs *subscription.Manager, onReconnectComplete func(ctx context.Context), dialFn func(ctx context.Context, cfg Config) (*opcua.Client, error), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:                 cfg,
		logger:              logger,
		reconnectLock:       semaphore.NewWeighted(1),
		reconnectHandler:    reconnectHandler,
		subs:                subs,
		onReconnectComplete: onReconnectComplete,
		dialFn:              dialFn,
	}
}

// CreateSession dials a fresh session, publishes it, and disposes any
// previous session asynchronously outside the coalescing lock (§4.8
// "Create").
func (m *Manager) CreateSession(ctx context.Context) error {
	client, err := m.dialFn(ctx, m.cfg)
	if err != nil {
		return err
	}
	newSession := &Session{Client: client, ID: uuid.New(), Generation: m.generationSeed.Add(1), CreatedAt: time.Now()}
	old := m.sessionPtr.Swap(newSession)
	if m.subs != nil {
		m.subs.Transfer(ctx, client)
	}
	m.logger.Info("session: created", "session_id", newSession.ID, "generation", newSession.Generation)
	if old != nil {
		go m.disposeSession(old)
	}
	return nil
}

// CurrentSession returns the current session, or nil if none.
func (m *Manager) CurrentSession() *Session {
	return m.sessionPtr.Load()
}

// CurrentClient exposes the active session's transport client directly, for
// collaborators (e.g. a Browser) that need the Browse/Read services rather
// than just the polling-oriented SessionRef.
func (m *Manager) CurrentClient() (*opcua.Client, bool) {
	s := m.sessionPtr.Load()
	if s == nil {
		return nil, false
	}
	return s.Client, true
}

// PollingSessionRef adapts the current session to polling.SessionSource.
func (m *Manager) PollingSessionRef() (polling.SessionRef, bool) {
	s := m.sessionPtr.Load()
	if s == nil {
		return polling.SessionRef{}, false
	}
	return polling.SessionRef{Reader: s.Client, Connected: true, Generation: s.Generation}, true
}

// pollingSource adapts Manager to polling.SessionSource without forcing
// Manager's own CurrentSession() to change shape.
type pollingSource struct{ m *Manager }

func (p pollingSource) CurrentSession() (polling.SessionRef, bool) { return p.m.PollingSessionRef() }

// AsPollingSource exposes this Manager as a polling.SessionSource.
func (m *Manager) AsPollingSource() polling.SessionSource { return pollingSource{m} }

// Holder is a settable indirection used to break the construction cycle
// between the session manager and the polling manager: polling.New needs a
// SessionSource before the session.Manager it will eventually read exists.
// The caller builds a Holder first, wires it into polling.New, and calls
// Set once the session.Manager is actually constructed.
type Holder struct {
	mgr atomic.Pointer[Manager]
}

// NewHolder builds an empty Holder.
func NewHolder() *Holder { return &Holder{} }

// Set installs the session Manager the Holder forwards to.
func (h *Holder) Set(m *Manager) { h.mgr.Store(m) }

// CurrentSession satisfies polling.SessionSource.
func (h *Holder) CurrentSession() (polling.SessionRef, bool) {
	m := h.mgr.Load()
	if m == nil {
		return polling.SessionRef{}, false
	}
	return m.PollingSessionRef()
}

// CurrentClient forwards to the installed session Manager, satisfying the
// same ClientSource contracts as Manager itself before it exists.
func (h *Holder) CurrentClient() (*opcua.Client, bool) {
	m := h.mgr.Load()
	if m == nil {
		return nil, false
	}
	return m.CurrentClient()
}

// CurrentWriter adapts Manager to writepipeline.SessionSource.
func (m *Manager) CurrentWriter() (writepipeline.Writer, bool) {
	s := m.sessionPtr.Load()
	if s == nil {
		return nil, false
	}
	return s.Client, true
}

// IsReconnecting reports whether a reconnect attempt is currently in flight.
func (m *Manager) IsReconnecting() bool { return m.reconnecting.Load() }

// IsDisposed reports whether Dispose has been called.
func (m *Manager) IsDisposed() bool { return m.disposed.Load() }

// HandleKeepAliveBad is the keep-alive callback path (§4.8): invoked when
// the transport reports a bad status with ServerState in {Unknown,Failed}
// for sess.
func (m *Manager) HandleKeepAliveBad(ctx context.Context, sess *Session) {
	if !m.reconnectLock.TryAcquire(1) {
		return // another keep-alive, completion or stall reset holds the lock
	}

	if m.disposed.Load() || m.reconnecting.Load() {
		m.reconnectLock.Release(1)
		return
	}
	current := m.sessionPtr.Load()
	if current == nil || current.Generation != sess.Generation {
		m.reconnectLock.Release(1)
		return
	}
	if m.reconnectHandler.State() != HandlerReady {
		m.reconnectLock.Release(1)
		return
	}

	m.reconnecting.Store(true)
	m.reconnectLock.Release(1)
	m.reconnectHandler.BeginReconnect(ctx, func(newClient *opcua.Client, err error) {
		_ = m.reconnectLock.Acquire(context.Background(), 1)
		defer m.reconnectLock.Release(1)
		m.handleReconnectComplete(ctx, newClient, err)
	})
}

// handleReconnectComplete runs under the coalescing lock (§4.8
// "Reconnect-complete path").
func (m *Manager) handleReconnectComplete(ctx context.Context, newClient *opcua.Client, err error) {
	if err != nil || newClient == nil {
		m.reconnecting.Store(false)
		m.logger.Warn("session: reconnect handler completed without a session", "error", err)
		return
	}

	current := m.sessionPtr.Load()
	if current != nil && current.Client == newClient {
		m.reconnecting.Store(false)
		m.logger.Info("session: reconnect preserved the existing session")
		return
	}

	newSession := &Session{Client: newClient, ID: uuid.New(), Generation: m.generationSeed.Add(1), CreatedAt: time.Now()}
	old := m.sessionPtr.Swap(newSession)
	m.reconnecting.Store(false)
	m.stallTicks.Store(0)
	m.logger.Info("session: reconnected to a new session", "session_id", newSession.ID, "generation", newSession.Generation)

	if m.subs != nil {
		m.subs.Transfer(ctx, newClient)
	}
	if old != nil {
		go m.disposeSession(old)
	}
	if m.onReconnectComplete != nil {
		m.onReconnectComplete(ctx)
	}
}

// IncrementStallTick is called once per coordinator health tick while
// reconnecting; it returns the new count.
func (m *Manager) IncrementStallTick() int32 { return m.stallTicks.Add(1) }

// ResetStallTick clears the stall counter.
func (m *Manager) ResetStallTick() { m.stallTicks.Store(0) }

// TryForceResetIfStalled re-acquires the coalescing lock and, after a
// double-check that reconnection is still in progress, clears the
// reconnecting flag so the coordinator can recreate the stack (§4.8
// "Stall detection").
func (m *Manager) TryForceResetIfStalled() bool {
	if !m.reconnectLock.TryAcquire(1) {
		return false
	}
	defer m.reconnectLock.Release(1)

	if !m.reconnecting.Load() {
		return false
	}
	m.reconnecting.Store(false)
	m.stallTicks.Store(0)
	return true
}

// Dispose tears down the current session. Idempotent.
func (m *Manager) Dispose(ctx context.Context) error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	sess := m.sessionPtr.Swap(nil)
	if sess == nil {
		return nil
	}
	return sess.Client.Close(ctx)
}

func (m *Manager) disposeSession(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session: panic disposing old session", "recovered", r)
		}
	}()
	if err := sess.Client.Close(context.Background()); err != nil {
		m.logger.Warn("session: error closing superseded session", "error", err)
	}
}
