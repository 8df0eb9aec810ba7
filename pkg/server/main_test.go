package server

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

// TestMain silences the package loggers once, before any test runs, so no
// test writes them while goroutines from an earlier test still read them.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}

const testPassword = "secret"

// fakeTransport is an in-memory Transport. Inbound envelopes are queued with
// push; everything the session writes lands in sent.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  []*protocol.Envelope
	sent     []*protocol.Envelope
	failSend bool
	broken   bool
	closed   bool
}

func (f *fakeTransport) push(env *protocol.Envelope) {
	f.mu.Lock()
	f.inbound = append(f.inbound, env)
	f.mu.Unlock()
}

func (f *fakeTransport) TrySend(env *protocol.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend || f.closed {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeTransport) PollNext() *protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return nil
	}
	env := f.inbound[0]
	f.inbound = f.inbound[1:]
	return env
}

func (f *fakeTransport) Broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake" }

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// take returns and forgets everything sent so far
func (f *fakeTransport) take() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := f.sent
	f.sent = nil
	return sent
}

// takeTexts returns the texts of everything sent so far
func (f *fakeTransport) takeTexts() []string {
	var texts []string
	for _, env := range f.take() {
		texts = append(texts, env.Text())
	}
	return texts
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.PoolSize = 4
	cfg.TickInterval = 5 * time.Millisecond
	cfg.AcceptPollDelay = 10 * time.Millisecond
	cfg.BcryptCost = bcrypt.MinCost
	return cfg
}

// newTestServer builds an unstarted server on a temporary database
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig())
}

func newTestServerWithConfig(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	srv, err := NewServer(db, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// newTestSession registers an unscheduled session; tests drive its ticks
func newTestSession(t *testing.T, srv *Server) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	sess := newSession(srv.nextID.Add(1), srv, ft)
	srv.registry.Register(sess)
	return sess, ft
}

// createUser stores a user with testPassword
func createUser(t *testing.T, srv *Server, name string) *database.User {
	t.Helper()
	hash, err := srv.hasher.Hash(testPassword)
	require.NoError(t, err)
	user, err := srv.db.CreateUser(name, hash, "key-"+name)
	require.NoError(t, err)
	return user
}

// loggedIn creates name if needed and returns an authenticated session
// with its login reply already consumed
func loggedIn(t *testing.T, srv *Server, name string) (*Session, *fakeTransport) {
	t.Helper()
	if _, err := srv.db.GetUserByName(name); err != nil {
		createUser(t, srv, name)
	}
	sess, ft := newTestSession(t, srv)
	ft.push(protocol.Login(name, testPassword))
	sess.Tick()
	require.Equal(t, []string{msgLoginSuccess}, ft.takeTexts())
	require.True(t, sess.IsAuthenticated())
	return sess, ft
}

// createGroup makes a group administered by admin with the extra members
func createGroup(t *testing.T, srv *Server, name string, admin *database.User, members ...*database.User) *database.Group {
	t.Helper()
	group, err := srv.db.CreateGroup(name, admin)
	require.NoError(t, err)
	for _, m := range members {
		group.AddMember(m)
	}
	require.NoError(t, srv.db.SaveGroup(group))
	return group
}
