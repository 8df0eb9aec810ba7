package server

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

// SessionState is the protocol state of one client
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Mailbox is a session's outbound FIFO. Any goroutine may push; only the
// owning session's tick drains it.
type Mailbox struct {
	mu    sync.Mutex
	items []*protocol.Envelope
}

// Push appends env
func (m *Mailbox) Push(env *protocol.Envelope) {
	m.mu.Lock()
	m.items = append(m.items, env)
	m.mu.Unlock()
}

// Drain removes and returns everything queued, oldest first
func (m *Mailbox) Drain() []*protocol.Envelope {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()
	return items
}

// Clear drops everything queued
func (m *Mailbox) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}

// Len returns the number of queued envelopes
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Session is one connected client. Its tick is the only code that reads its
// connection or drains its mailbox; the scheduler never runs two ticks of the
// same session at once.
type Session struct {
	ID         uint64
	server     *Server
	conn       Transport
	mailbox    Mailbox
	state      atomic.Int32
	user       atomic.Pointer[database.User]
	handle     atomic.Pointer[ScheduleHandle]
	terminated sync.Once

	// touched only from Tick
	deadline time.Time
	reason   string
}

func newSession(id uint64, srv *Server, conn Transport) *Session {
	return &Session{
		ID:       id,
		server:   srv,
		conn:     conn,
		deadline: srv.now().Add(srv.config.UnauthenticatedTimeout),
	}
}

// State returns the current protocol state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// User returns the bound identity, or nil before login
func (s *Session) User() *database.User {
	return s.user.Load()
}

// Username returns the bound identity's name, or "" before login
func (s *Session) Username() string {
	if u := s.user.Load(); u != nil {
		return u.Username
	}
	return ""
}

// Enqueue queues env for this session's next flush. Envelopes for a
// terminated session are dropped.
func (s *Session) Enqueue(env *protocol.Envelope) {
	if env == nil || s.State() == StateTerminated {
		return
	}
	s.mailbox.Push(env)
}

// Tick runs one read-act-flush cycle
func (s *Session) Tick() {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Session %d: panic in tick: %v\n%s", s.ID, r, debug.Stack())
			s.terminate(reasonError)
		}
	}()

	if s.State() == StateTerminated {
		s.handle.Load().Cancel()
		return
	}

	now := s.server.now()
	expired := now.After(s.deadline)

	switch s.State() {
	case StateUnauthenticated:
		if env := s.conn.PollNext(); env != nil {
			s.received(env, now)
			if env.IsRegister() {
				s.server.handleRegister(s, env)
			} else {
				s.server.handleLogin(s, env, now)
			}
		}
		if s.IsAuthenticated() {
			s.flush(now)
		}
	case StateAuthenticated:
		s.flush(now)
		if env := s.conn.PollNext(); env != nil {
			s.received(env, now)
			s.server.handleMessage(s, env)
		}
		// replies and the QUIT ack go out on this tick
		s.flush(now)
	}

	if s.reason == "" && s.conn.Broken() {
		s.reason = reasonIO
	}
	if s.reason == "" && expired {
		debugLog.Printf("Session %d (%s): inactivity timeout", s.ID, s.Username())
		s.reason = reasonTimeout
	}
	if s.reason != "" {
		s.terminate(s.reason)
	}

	s.server.metrics.RecordTick(time.Since(start))
}

func (s *Session) received(env *protocol.Envelope, now time.Time) {
	s.server.metrics.RecordEnvelopeReceived(env.Kind().String())
	s.extendDeadline(now)
}

func (s *Session) extendDeadline(now time.Time) {
	window := s.server.config.UnauthenticatedTimeout
	if s.IsAuthenticated() {
		window = s.server.config.AuthenticatedTimeout
	}
	s.deadline = now.Add(window)
}

// flush writes the mailbox in order. The first failed send marks the
// session for termination and drops the rest of the batch.
func (s *Session) flush(now time.Time) {
	items := s.mailbox.Drain()
	for i, env := range items {
		if !s.send(env) {
			debugLog.Printf("Session %d: send failed after %d of %d queued envelopes", s.ID, i, len(items))
			s.markTerminate(reasonIO)
			return
		}
		s.extendDeadline(now)
	}
}

func (s *Session) send(env *protocol.Envelope) bool {
	if !s.conn.TrySend(env) {
		return false
	}
	s.server.metrics.RecordEnvelopeSent(env.Kind().String())
	return true
}

// reply answers the client. Before login nothing drains the mailbox, so
// replies are written directly.
func (s *Session) reply(env *protocol.Envelope) {
	if s.IsAuthenticated() {
		s.Enqueue(env)
		return
	}
	if !s.send(env) {
		s.markTerminate(reasonIO)
	}
}

func (s *Session) markTerminate(reason string) {
	if s.reason == "" {
		s.reason = reason
	}
}

// authenticate binds user and moves to AUTHENTICATED
func (s *Session) authenticate(user *database.User, now time.Time) {
	s.user.Store(user)
	s.state.Store(int32(StateAuthenticated))
	s.deadline = now.Add(s.server.config.AuthenticatedTimeout)
}

// terminate moves to TERMINATED and releases everything the session holds.
// Only the first call has any effect.
func (s *Session) terminate(reason string) {
	s.terminated.Do(func() {
		s.state.Store(int32(StateTerminated))

		if user := s.user.Load(); user != nil {
			if err := s.server.db.RecordLogout(user.ID, s.server.now()); err != nil {
				errorLog.Printf("Session %d: failed to record logout for %s: %v", s.ID, user.Username, err)
			}
		}

		s.conn.Close()
		s.server.registry.Deregister(s)
		s.handle.Load().Cancel()
		s.mailbox.Clear()

		s.server.metrics.RecordSessionTerminated(reason)
		debugLog.Printf("Session %d (%s) terminated: %s", s.ID, s.conn.RemoteAddr(), reason)
	})
}
