package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

// bareSession is a session with no server behind it, authenticated as
// name unless name is empty
func bareSession(id uint64, name string) *Session {
	sess := &Session{ID: id}
	if name != "" {
		sess.user.Store(&database.User{ID: name, Username: name})
		sess.state.Store(int32(StateAuthenticated))
	}
	return sess
}

func TestRegistryRegisterDeregister(t *testing.T) {
	r := NewRegistry(nil)
	a := bareSession(1, "a")
	b := bareSession(2, "b")

	r.Register(a)
	r.Register(b)
	assert.Equal(t, 2, r.Count())
	assert.ElementsMatch(t, []*Session{a, b}, r.Snapshot())

	r.Deregister(a)
	r.Deregister(a)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []*Session{b}, r.Snapshot())
}

func TestRegistryBroadcastSkipsUnauthenticated(t *testing.T) {
	r := NewRegistry(nil)
	a := bareSession(1, "a")
	b := bareSession(2, "b")
	anon := bareSession(3, "")
	for _, s := range []*Session{a, b, anon} {
		r.Register(s)
	}

	r.BroadcastAll(protocol.System("all"))
	assert.Equal(t, 1, a.mailbox.Len())
	assert.Equal(t, 1, b.mailbox.Len())
	assert.Zero(t, anon.mailbox.Len())

	r.BroadcastExcept(protocol.System("not a"), a)
	assert.Equal(t, 1, a.mailbox.Len())
	assert.Equal(t, 2, b.mailbox.Len())
}

func TestRegistryDeliverToGroupMembers(t *testing.T) {
	r := NewRegistry(nil)
	a := bareSession(1, "a")
	b := bareSession(2, "b")
	c := bareSession(3, "c")
	for _, s := range []*Session{a, b, c} {
		r.Register(s)
	}

	group := &database.Group{Name: "g", Members: []database.Member{
		{UserID: "a", Username: "a", Admin: true},
		{UserID: "b", Username: "b"},
	}}
	r.DeliverToGroupMembers(protocol.ToGroup("a", "g", "hi"), group)

	assert.Equal(t, 1, a.mailbox.Len())
	assert.Equal(t, 1, b.mailbox.Len())
	assert.Zero(t, c.mailbox.Len())
}

func TestRegistryDeliverToUser(t *testing.T) {
	r := NewRegistry(nil)
	a := bareSession(1, "a")
	b1 := bareSession(2, "b")
	b2 := bareSession(3, "b")
	for _, s := range []*Session{a, b1, b2} {
		r.Register(s)
	}

	assert.True(t, r.DeliverToUser(protocol.ToUser("a", "b", "hi"), "b"))
	assert.Equal(t, 1, b1.mailbox.Len())
	assert.Equal(t, 1, b2.mailbox.Len())
	assert.Zero(t, a.mailbox.Len())

	assert.False(t, r.DeliverToUser(protocol.ToUser("a", "ghost", "hi"), "ghost"))
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry(NewMetrics())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			sess := bareSession(id, "u")
			r.Register(sess)
			r.BroadcastAll(protocol.System("x"))
			r.DeliverToUser(protocol.System("y"), "u")
			r.Deregister(sess)
		}(uint64(i + 1))
	}
	wg.Wait()
	assert.Zero(t, r.Count())
}
