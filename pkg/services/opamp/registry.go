package opamp

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/metrics"
)

var (
	// ErrNoSession means the agent has no live session to push to.
	ErrNoSession = errors.New("no live session for agent")
	// ErrSendQueueFull means the session exists but its push queue is full.
	ErrSendQueueFull = errors.New("session push queue full")
)

// Session is one live OpAMP connection. WebSocket sessions are registered for
// the lifetime of the socket; plain HTTP exchanges build an ephemeral session
// per request and never register it, so pushes to HTTP-only agents fail with
// ErrNoSession by construction.
type Session struct {
	uid       string
	orgID     string
	transport string

	push      chan *protobufs.ServerToAgent
	closed    chan struct{}
	closeOnce sync.Once

	lastSeen atomic.Int64

	// wantFullState is armed by the tracker and drained by the engine on the
	// next message from the agent.
	wantFullState atomic.Bool

	// connSettingsOffered latches after the first connection settings offer so
	// an agent is nudged at most once per session.
	connSettingsOffered atomic.Bool

	// greeted flips after the first message of the session was handled.
	greeted atomic.Bool
}

func NewSession(uid, orgID, transport string, queueSize int) *Session {
	s := &Session{
		uid:       uid,
		orgID:     orgID,
		transport: transport,
		push:      make(chan *protobufs.ServerToAgent, queueSize),
		closed:    make(chan struct{}),
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

func (s *Session) UID() string       { return s.uid }
func (s *Session) OrgID() string     { return s.orgID }
func (s *Session) Transport() string { return s.transport }

// Push is the channel the transport writer drains.
func (s *Session) Push() <-chan *protobufs.ServerToAgent { return s.push }

// Closed unblocks when the session was replaced or torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// RequestFullState arms the full-state flag for the next response.
func (s *Session) RequestFullState() { s.wantFullState.Store(true) }

// TakeFullStateRequest consumes the armed flag.
func (s *Session) TakeFullStateRequest() bool { return s.wantFullState.Swap(false) }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) send(msg *protobufs.ServerToAgent) error {
	select {
	case <-s.closed:
		return ErrNoSession
	default:
	}
	select {
	case s.push <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Registry holds at most one live session per instance uid.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Register installs the session. An existing session for the same uid is
// closed and returned; its transport sees Closed() fire and tears the old
// connection down. The newest connection always wins.
func (r *Registry) Register(s *Session) (replaced *Session) {
	r.mu.Lock()
	old := r.sessions[s.uid]
	r.sessions[s.uid] = s
	r.mu.Unlock()

	if old != nil {
		old.close()
		metrics.SessionsActive.WithLabelValues(old.transport).Dec()
	}
	metrics.SessionsActive.WithLabelValues(s.transport).Inc()
	return old
}

// Unregister removes the session only if it is still the current one for its
// uid, so a replaced session cannot knock out its successor during teardown.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	current := r.sessions[s.uid] == s
	if current {
		delete(r.sessions, s.uid)
	}
	r.mu.Unlock()

	s.close()
	if current {
		metrics.SessionsActive.WithLabelValues(s.transport).Dec()
	}
	return current
}

func (r *Registry) Get(uid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uid]
	return s, ok
}

// Send queues a server-initiated message for the agent without blocking.
func (r *Registry) Send(uid string, msg *protobufs.ServerToAgent) error {
	s, ok := r.Get(uid)
	if !ok {
		metrics.PushDropped.WithLabelValues("no_session").Inc()
		return ErrNoSession
	}
	if err := s.send(msg); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			metrics.PushDropped.WithLabelValues("queue_full").Inc()
		} else {
			metrics.PushDropped.WithLabelValues("no_session").Inc()
		}
		return err
	}
	return nil
}

// RequestFullState arms the full-state flag on the agent's session, if any.
func (r *Registry) RequestFullState(uid string) bool {
	s, ok := r.Get(uid)
	if !ok {
		return false
	}
	s.RequestFullState()
	return true
}

// Close tears down the session for uid, if present.
func (r *Registry) Close(uid string) {
	if s, ok := r.Get(uid); ok {
		r.Unregister(s)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every session; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
		metrics.SessionsActive.WithLabelValues(s.transport).Dec()
	}
}
