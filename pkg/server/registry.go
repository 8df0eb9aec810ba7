package server

import (
	"sync"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

// Delivery routes recorded in metrics
const (
	routeBroadcast = "broadcast"
	routeGroup     = "group"
	routeUser      = "user"
)

// Registry tracks live sessions and routes envelopes into their mailboxes.
// Routing only ever pushes; the receiving session writes on its own tick.
// Only authenticated sessions receive routed traffic.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		metrics:  metrics,
	}
}

// Register adds a session
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
}

// Deregister removes a session. Removing an unknown session is a no-op.
func (r *Registry) Deregister(sess *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.ID)
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
}

// Snapshot returns the sessions registered at the time of the call
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BroadcastAll queues env for every authenticated session, sender included
func (r *Registry) BroadcastAll(env *protocol.Envelope) {
	r.BroadcastExcept(env, nil)
}

// BroadcastExcept queues env for every authenticated session other than skip
func (r *Registry) BroadcastExcept(env *protocol.Envelope, skip *Session) {
	delivered := 0
	for _, sess := range r.Snapshot() {
		if sess == skip || !sess.IsAuthenticated() {
			continue
		}
		sess.Enqueue(env)
		delivered++
	}
	r.metrics.RecordDeliveries(routeBroadcast, delivered)
}

// DeliverToGroupMembers queues env for every authenticated session whose
// identity belongs to group
func (r *Registry) DeliverToGroupMembers(env *protocol.Envelope, group *database.Group) {
	delivered := 0
	for _, sess := range r.Snapshot() {
		if !sess.IsAuthenticated() || !group.Contains(sess.Username()) {
			continue
		}
		sess.Enqueue(env)
		delivered++
	}
	r.metrics.RecordDeliveries(routeGroup, delivered)
}

// DeliverToUser queues env for every authenticated session of username.
// It reports whether any session received it.
func (r *Registry) DeliverToUser(env *protocol.Envelope, username string) bool {
	delivered := 0
	for _, sess := range r.Snapshot() {
		if !sess.IsAuthenticated() || sess.Username() != username {
			continue
		}
		sess.Enqueue(env)
		delivered++
	}
	r.metrics.RecordDeliveries(routeUser, delivered)
	return delivered > 0
}
