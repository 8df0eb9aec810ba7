package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

func TestLoginUnknownUser(t *testing.T) {
	srv := newTestServer(t)
	sess, ft := newTestSession(t, srv)

	ft.push(protocol.Login("nobody", "x"))
	sess.Tick()

	assert.Equal(t, []string{msgLoginNoUser}, ft.takeTexts())
	assert.Equal(t, StateUnauthenticated, sess.State())
}

func TestLoginWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "alice")
	sess, ft := newTestSession(t, srv)

	ft.push(protocol.Login("alice", "wrong"))
	sess.Tick()

	assert.Equal(t, []string{msgLoginBadPassword}, ft.takeTexts())
	assert.Equal(t, StateUnauthenticated, sess.State())
	assert.Empty(t, sess.Username())
}

func TestLoginSuccessExtendsDeadline(t *testing.T) {
	srv := newTestServer(t)
	now := time.Now()
	srv.now = func() time.Time { return now }
	user := createUser(t, srv, "alice")

	sess, ft := newTestSession(t, srv)
	ft.push(protocol.Login("alice", testPassword))
	sess.Tick()

	assert.Equal(t, []string{msgLoginSuccess}, ft.takeTexts())
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Equal(t, "alice", sess.Username())
	assert.Equal(t, now.Add(srv.config.AuthenticatedTimeout), sess.deadline)

	// the login is recorded, no logout yet
	_, ok, err := srv.db.LastLogout(user.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonLoginEnvelopeTreatedAsLogin(t *testing.T) {
	srv := newTestServer(t)
	sess, ft := newTestSession(t, srv)

	ft.push(protocol.Broadcast("alice", "hello"))
	sess.Tick()

	assert.Equal(t, []string{msgLoginNoUser}, ft.takeTexts())
	assert.Equal(t, StateUnauthenticated, sess.State())
}

func TestRegisterStaysUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	sess, ft := newTestSession(t, srv)

	ft.push(protocol.Register("bob", "pw", "bob-key"))
	sess.Tick()
	assert.Equal(t, []string{msgRegisterSuccess}, ft.takeTexts())
	assert.Equal(t, StateUnauthenticated, sess.State())

	user, err := srv.db.GetUserByName("bob")
	require.NoError(t, err)
	assert.Equal(t, "bob-key", user.PublicKey)
	assert.NotEqual(t, "pw", user.PasswordHash)

	ft.push(protocol.Register("bob", "other", ""))
	sess.Tick()
	assert.Equal(t, []string{msgRegisterFailed}, ft.takeTexts())

	ft.push(protocol.Login("bob", "pw"))
	sess.Tick()
	assert.Equal(t, []string{msgLoginSuccess}, ft.takeTexts())
	assert.True(t, sess.IsAuthenticated())
}

func TestRegisterEmptyName(t *testing.T) {
	srv := newTestServer(t)
	sess, ft := newTestSession(t, srv)

	ft.push(protocol.Register("  ", "pw", ""))
	sess.Tick()
	assert.Equal(t, []string{msgRegisterFailed}, ft.takeTexts())
}

func TestSpoofedSenderDropped(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceT := loggedIn(t, srv, "alice")
	bob, bobT := loggedIn(t, srv, "bob")

	aliceT.push(protocol.Broadcast("mallory", "not me"))
	alice.Tick()
	bob.Tick()

	assert.Empty(t, aliceT.take())
	assert.Empty(t, bobT.take())
	assert.Zero(t, alice.mailbox.Len())
	assert.True(t, alice.IsAuthenticated())
}

func TestSenderMatchIsCaseInsensitive(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceT := loggedIn(t, srv, "alice")

	aliceT.push(protocol.Broadcast("ALICE", "hi"))
	alice.Tick()

	sent := aliceT.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", sent[0].Text())
}

func TestBroadcastReachesEveryone(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")
	b, bT := loggedIn(t, srv, "b")
	c, cT := loggedIn(t, srv, "c")
	pending, pendingT := newTestSession(t, srv)

	aT.push(protocol.Broadcast("a", "hi"))
	a.Tick()
	b.Tick()
	c.Tick()
	pending.Tick()

	for _, ft := range []*fakeTransport{aT, bT, cT} {
		sent := ft.take()
		require.Len(t, sent, 1)
		assert.Equal(t, "hi", sent[0].Text())
		assert.True(t, sent[0].IsBroadcast())
	}
	assert.Empty(t, pendingT.take())
}

func TestGroupScoping(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")
	b, bT := loggedIn(t, srv, "b")
	c, cT := loggedIn(t, srv, "c")

	userA, _ := srv.db.GetUserByName("a")
	userB, _ := srv.db.GetUserByName("b")
	createGroup(t, srv, "G", userA, userB)

	aT.push(protocol.ToGroup("a", "G", "team"))
	a.Tick()
	b.Tick()
	c.Tick()

	assert.Equal(t, []string{"team"}, aT.takeTexts())
	assert.Equal(t, []string{"team"}, bT.takeTexts())
	assert.Empty(t, cT.take())

	// one stored copy per member
	for _, u := range []*database.User{userA, userB} {
		msgs, err := srv.db.ListMessagesTo(u.ID, time.Time{})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "team", msgs[0].Body)
	}
}

func TestGroupErrors(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")
	createUser(t, srv, "owner")
	owner, _ := srv.db.GetUserByName("owner")
	createGroup(t, srv, "closed", owner)

	aT.push(protocol.ToGroup("a", "nope", "x"))
	a.Tick()
	assert.Equal(t, []string{"There is no such group: nope"}, aT.takeTexts())

	aT.push(protocol.ToGroup("a", "closed", "x"))
	a.Tick()
	assert.Equal(t, []string{"user is not in closed"}, aT.takeTexts())
}

func TestDirectMessage(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")
	b, bT := loggedIn(t, srv, "b")
	b2, b2T := loggedIn(t, srv, "b")

	aT.push(protocol.ToUser("a", "b", "psst"))
	a.Tick()
	b.Tick()
	b2.Tick()

	assert.Empty(t, aT.take())
	assert.Equal(t, []string{"psst"}, bT.takeTexts())
	// every session of the recipient gets it
	assert.Equal(t, []string{"psst"}, b2T.takeTexts())

	userB, _ := srv.db.GetUserByName("b")
	msgs, err := srv.db.ListMessagesTo(userB.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].SenderName)
}

func TestUnknownRecipient(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")

	aT.push(protocol.ToUser("a", "ghost", "boo"))
	a.Tick()

	sent := aT.take()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsSystem())
	assert.Contains(t, sent[0].Text(), "There is no such user: ghost")

	userA, _ := srv.db.GetUserByName("a")
	msgs, err := srv.db.ListMessagesTo(userA.ID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCreateGroup(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")

	aT.push(protocol.CreateGroup("a", "club"))
	a.Tick()
	assert.Equal(t, []string{"Group was successfully created: club"}, aT.takeTexts())

	group, err := srv.db.GetGroupByName("club")
	require.NoError(t, err)
	assert.True(t, group.IsAdmin("a"))

	aT.push(protocol.CreateGroup("a", "club"))
	a.Tick()
	assert.Equal(t, []string{"Could not create group: club"}, aT.takeTexts())
}

func TestGetHistoryReplaysEverything(t *testing.T) {
	srv := newTestServer(t)
	sender := createUser(t, srv, "sender")
	me := createUser(t, srv, "me")

	first, err := srv.db.CreateMessage(sender, me, "one", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = srv.db.CreateMessage(sender, me, "two", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, srv.db.SoftDeleteMessage(first.ID))

	sess, ft := loggedIn(t, srv, "me")
	ft.push(protocol.GetHistory("me"))
	sess.Tick()

	sent := ft.take()
	require.Len(t, sent, 3)
	assert.Equal(t, msgHistoryStart, sent[0].Text())
	assert.True(t, sent[1].IsToUser())
	assert.Equal(t, "sender", sent[1].Origin())
	assert.True(t, strings.HasSuffix(sent[1].Text(), ") two"))
	assert.Equal(t, msgHistoryDone, sent[2].Text())
}

func TestGetQueueReplaysSinceLastLogout(t *testing.T) {
	srv := newTestServer(t)
	sender := createUser(t, srv, "sender")
	me := createUser(t, srv, "me")

	base := time.Now().Add(-time.Hour)
	_, err := srv.db.CreateMessage(sender, me, "old", base)
	require.NoError(t, err)
	require.NoError(t, srv.db.RecordLogout(me.ID, base.Add(time.Minute)))
	_, err = srv.db.CreateMessage(sender, me, "new", base.Add(2*time.Minute))
	require.NoError(t, err)

	sess, ft := loggedIn(t, srv, "me")
	ft.push(protocol.GetQueue("me"))
	sess.Tick()

	texts := ft.takeTexts()
	require.Len(t, texts, 3)
	assert.Equal(t, msgQueueStart, texts[0])
	assert.True(t, strings.HasSuffix(texts[1], ") new"))
	assert.Equal(t, msgQueueDone, texts[2])
}

func TestGetQueueWithoutLogoutReplaysAll(t *testing.T) {
	srv := newTestServer(t)
	sender := createUser(t, srv, "sender")
	me := createUser(t, srv, "me")
	_, err := srv.db.CreateMessage(sender, me, "hello", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	sess, ft := loggedIn(t, srv, "me")
	ft.push(protocol.GetQueue("me"))
	sess.Tick()

	assert.Len(t, ft.take(), 3)
}

func TestDeleteMessage(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")
	userA, _ := srv.db.GetUserByName("a")
	msg, err := srv.db.CreateMessage(userA, userA, "oops", time.Now())
	require.NoError(t, err)

	aT.push(protocol.DeleteMessage("a", msg.ID))
	a.Tick()
	assert.Equal(t, []string{"Deleted message: " + msg.ID}, aT.takeTexts())

	stored, err := srv.db.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)

	aT.push(protocol.DeleteMessage("a", "missing"))
	a.Tick()
	assert.Equal(t, []string{"There is no such message: missing"}, aT.takeTexts())
}

func TestPublicKey(t *testing.T) {
	srv := newTestServer(t)
	createUser(t, srv, "b")
	a, aT := loggedIn(t, srv, "a")

	aT.push(protocol.PublicKeyRequest("a", "b"))
	a.Tick()
	sent := aT.take()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsPublicKey())
	assert.Equal(t, "key-b", sent[0].Field(protocol.FieldPublicKey))
	assert.Equal(t, "b", sent[0].Field(protocol.FieldKeyOwner))

	aT.push(protocol.PublicKeyRequest("a", "ghost"))
	a.Tick()
	assert.Equal(t, []string{msgNoKeyOwner}, aT.takeTexts())
}

func TestQuit(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")
	b, bT := loggedIn(t, srv, "b")
	require.Equal(t, 2, srv.registry.Count())

	aT.push(protocol.Quit("a"))
	a.Tick()

	sent := aT.take()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsQuit())
	assert.Equal(t, StateTerminated, a.State())
	assert.True(t, aT.isClosed())
	assert.Equal(t, 1, srv.registry.Count())

	b.Tick()
	assert.Equal(t, []string{"User a has left the server."}, bT.takeTexts())

	userA, _ := srv.db.GetUserByName("a")
	_, ok, err := srv.db.LastLogout(userA.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInactivityTimeoutIgnoresPendingInput(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")

	a.deadline = time.Now().Add(-time.Second)
	aT.push(protocol.Broadcast("a", "too late"))
	a.Tick()

	assert.Equal(t, StateTerminated, a.State())
	assert.True(t, aT.isClosed())
	assert.Zero(t, srv.registry.Count())
}

func TestUnauthenticatedTimeout(t *testing.T) {
	srv := newTestServer(t)
	sess, ft := newTestSession(t, srv)

	sess.deadline = time.Now().Add(-time.Millisecond)
	sess.Tick()

	assert.Equal(t, StateTerminated, sess.State())
	assert.True(t, ft.isClosed())
}

func TestSendFailureTerminates(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")

	a.Enqueue(protocol.System("one"))
	a.Enqueue(protocol.System("two"))
	aT.mu.Lock()
	aT.failSend = true
	aT.mu.Unlock()

	a.Tick()
	assert.Equal(t, StateTerminated, a.State())
	assert.Zero(t, a.mailbox.Len())
}

func TestBrokenConnectionTerminates(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")

	aT.mu.Lock()
	aT.broken = true
	aT.mu.Unlock()

	a.Tick()
	assert.Equal(t, StateTerminated, a.State())
}

func TestTerminatedSessionDropsTraffic(t *testing.T) {
	srv := newTestServer(t)
	a, aT := loggedIn(t, srv, "a")

	a.terminate(reasonServer)
	a.terminate(reasonServer)
	a.Enqueue(protocol.System("late"))
	assert.Zero(t, a.mailbox.Len())

	aT.push(protocol.Broadcast("a", "ignored"))
	a.Tick()
	assert.Empty(t, aT.take())
	assert.Zero(t, srv.registry.Count())
}

func TestMailboxIsFIFO(t *testing.T) {
	var m Mailbox
	for _, text := range []string{"1", "2", "3"} {
		m.Push(protocol.System(text))
	}
	assert.Equal(t, 3, m.Len())

	var texts []string
	for _, env := range m.Drain() {
		texts = append(texts, env.Text())
	}
	assert.Equal(t, []string{"1", "2", "3"}, texts)
	assert.Zero(t, m.Len())
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "UNAUTHENTICATED", StateUnauthenticated.String())
	assert.Equal(t, "AUTHENTICATED", StateAuthenticated.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
}
