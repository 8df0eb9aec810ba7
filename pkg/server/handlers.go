package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

// Replies sent to the client as SYSTEM envelopes
const (
	msgLoginSuccess       = "Login Success!"
	msgLoginNoUser        = "Login failed! There is no such user!"
	msgLoginBadPassword   = "Login failed! Password is incorrect!"
	msgRegisterSuccess    = "Register Success!"
	msgRegisterFailed     = "Register Failed, use another user name."
	msgQueueStart         = "Getting queued messages..."
	msgQueueDone          = "All queued messages sent!"
	msgHistoryStart       = "Getting message history..."
	msgHistoryDone        = "All messages sent!"
	msgNoKeyOwner         = "The user you want to have private conversation does not exist!"
	msgDepartureFormat    = "User %s has left the server."
	msgNoSuchGroupFormat  = "There is no such group: %s"
	msgNoSuchUserFormat   = "There is no such user: %s"
	msgNotInGroupFormat   = "user is not in %s"
	msgGroupCreatedFormat = "Group was successfully created: %s"
	msgGroupFailedFormat  = "Could not create group: %s"
	msgNoSuchMsgFormat    = "There is no such message: %s"
	msgDeletedFormat      = "Deleted message: %s"
	msgDeleteFailedFormat = "Could not delete message: %s"
)

func systemf(format string, args ...any) *protocol.Envelope {
	return protocol.System(fmt.Sprintf(format, args...))
}

// handleLogin treats env as a login attempt
func (s *Server) handleLogin(sess *Session, env *protocol.Envelope, now time.Time) {
	name := env.Field(protocol.FieldUserName)

	user, err := s.db.GetUserByName(name)
	if dbError("GetUserByName", err) {
		debugLog.Printf("Session %d: login for unknown user %q", sess.ID, name)
		sess.reply(protocol.System(msgLoginNoUser))
		return
	}

	if !s.hasher.Verify(user.PasswordHash, env.Field(protocol.FieldPassword)) {
		debugLog.Printf("Session %d: wrong password for %s", sess.ID, user.Username)
		sess.reply(protocol.System(msgLoginBadPassword))
		return
	}

	sess.authenticate(user, now)
	if err := s.db.RecordLogin(user.ID, now); err != nil {
		errorLog.Printf("Session %d: failed to record login for %s: %v", sess.ID, user.Username, err)
	}
	log.Printf("Session %d: %s logged in from %s", sess.ID, user.Username, sess.conn.RemoteAddr())
	sess.reply(protocol.System(msgLoginSuccess))
}

// handleRegister creates an account. The session stays unauthenticated;
// the client logs in as a separate step.
func (s *Server) handleRegister(sess *Session, env *protocol.Envelope) {
	name := strings.TrimSpace(env.Field(protocol.FieldUserName))
	if name == "" {
		sess.reply(protocol.System(msgRegisterFailed))
		return
	}

	if _, err := s.db.GetUserByName(name); err == nil {
		sess.reply(protocol.System(msgRegisterFailed))
		return
	} else if !errors.Is(err, database.ErrNotFound) {
		dbError("GetUserByName", err)
		sess.reply(protocol.System(msgRegisterFailed))
		return
	}

	hash, err := s.hasher.Hash(env.Field(protocol.FieldPassword))
	if err != nil {
		errorLog.Printf("Session %d: %v", sess.ID, err)
		sess.reply(protocol.System(msgRegisterFailed))
		return
	}

	if _, err := s.db.CreateUser(name, hash, env.Field(protocol.FieldPublicKey)); err != nil {
		if !errors.Is(err, database.ErrUserExists) {
			errorLog.Printf("Session %d: failed to create user %s: %v", sess.ID, name, err)
		}
		sess.reply(protocol.System(msgRegisterFailed))
		return
	}

	log.Printf("Session %d: registered user %s", sess.ID, name)
	sess.reply(protocol.System(msgRegisterSuccess))
}

// handleMessage dispatches one envelope from an authenticated session
func (s *Server) handleMessage(sess *Session, env *protocol.Envelope) {
	if env.IsQuit() {
		s.handleQuit(sess)
		return
	}

	if !strings.EqualFold(env.Origin(), sess.Username()) {
		debugLog.Printf("Session %d: dropping %s claiming sender %q (bound to %s)",
			sess.ID, env.Kind(), env.Origin(), sess.Username())
		return
	}

	switch {
	case env.IsBroadcast():
		s.handleBroadcast(sess, env)
	case env.IsToGroup():
		s.handleToGroup(sess, env)
	case env.IsToUser():
		s.handleToUser(sess, env)
	case env.IsCreateGroup():
		s.handleCreateGroup(sess, env)
	case env.IsGetQueue():
		s.handleGetQueue(sess)
	case env.IsGetHistory():
		s.handleGetHistory(sess)
	case env.IsDeleteMessage():
		s.handleDeleteMessage(sess, env)
	case env.IsPublicKey():
		s.handlePublicKey(sess, env)
	case env.IsInvite():
		s.handleInvite(sess, env)
	default:
		debugLog.Printf("Session %d: ignoring %s from %s", sess.ID, env.Kind(), sess.Username())
	}
}

func (s *Server) handleQuit(sess *Session) {
	name := sess.Username()
	sess.Enqueue(protocol.Quit(name))
	s.registry.BroadcastExcept(systemf(msgDepartureFormat, name), sess)
	sess.markTerminate(reasonQuit)
}

func (s *Server) handleBroadcast(sess *Session, env *protocol.Envelope) {
	if _, err := s.db.CreateMessage(sess.User(), nil, env.Text(), s.now()); err != nil {
		errorLog.Printf("Session %d: failed to store broadcast: %v", sess.ID, err)
	}
	s.registry.BroadcastAll(env)
}

func (s *Server) handleToGroup(sess *Session, env *protocol.Envelope) {
	groupName := env.Field(protocol.FieldGroupName)
	group, err := s.db.GetGroupByName(groupName)
	if dbError("GetGroupByName", err) {
		sess.reply(systemf(msgNoSuchGroupFormat, groupName))
		return
	}
	if !group.Contains(sess.Username()) {
		sess.reply(systemf(msgNotInGroupFormat, groupName))
		return
	}

	now := s.now()
	for _, m := range group.Members {
		recipient := &database.User{ID: m.UserID, Username: m.Username}
		if _, err := s.db.CreateMessage(sess.User(), recipient, env.Text(), now); err != nil {
			errorLog.Printf("Session %d: failed to store group message for %s: %v", sess.ID, m.Username, err)
		}
	}
	s.registry.DeliverToGroupMembers(env, group)
}

func (s *Server) handleToUser(sess *Session, env *protocol.Envelope) {
	recipientName := env.Field(protocol.FieldRecipientName)
	recipient, err := s.db.GetUserByName(recipientName)
	if dbError("GetUserByName", err) {
		sess.reply(systemf(msgNoSuchUserFormat, recipientName))
		return
	}

	if _, err := s.db.CreateMessage(sess.User(), recipient, env.Text(), s.now()); err != nil {
		errorLog.Printf("Session %d: failed to store message to %s: %v", sess.ID, recipient.Username, err)
	}
	s.registry.DeliverToUser(env, recipient.Username)
}

func (s *Server) handleCreateGroup(sess *Session, env *protocol.Envelope) {
	groupName := strings.TrimSpace(env.Field(protocol.FieldGroupName))
	if groupName == "" {
		sess.reply(systemf(msgGroupFailedFormat, groupName))
		return
	}

	if _, err := s.db.CreateGroup(groupName, sess.User()); err != nil {
		if !errors.Is(err, database.ErrGroupExists) {
			errorLog.Printf("Session %d: failed to create group %s: %v", sess.ID, groupName, err)
		}
		sess.reply(systemf(msgGroupFailedFormat, groupName))
		return
	}
	sess.reply(systemf(msgGroupCreatedFormat, groupName))
}

func (s *Server) handleGetQueue(sess *Session) {
	sess.reply(protocol.System(msgQueueStart))

	user := sess.User()
	since, ok, err := s.db.LastLogout(user.ID)
	if err != nil {
		errorLog.Printf("Session %d: failed to load last logout for %s: %v", sess.ID, user.Username, err)
	}
	if !ok {
		since = time.Time{}
	}
	s.replayMessages(sess, since)

	sess.reply(protocol.System(msgQueueDone))
}

func (s *Server) handleGetHistory(sess *Session) {
	sess.reply(protocol.System(msgHistoryStart))
	s.replayMessages(sess, time.Time{})
	sess.reply(protocol.System(msgHistoryDone))
}

// replayMessages queues stored messages addressed to the session's user.
// A zero since replays everything.
func (s *Server) replayMessages(sess *Session, since time.Time) {
	user := sess.User()
	messages, err := s.db.ListMessagesTo(user.ID, since)
	if err != nil {
		errorLog.Printf("Session %d: failed to list messages for %s: %v", sess.ID, user.Username, err)
		return
	}
	for _, m := range messages {
		sess.Enqueue(protocol.ToUser(m.SenderName, user.Username, "("+m.ID+") "+m.Body))
	}
}

func (s *Server) handleDeleteMessage(sess *Session, env *protocol.Envelope) {
	id := env.Field(protocol.FieldMessageID)
	if _, err := s.db.GetMessage(id); dbError("GetMessage", err) {
		sess.reply(systemf(msgNoSuchMsgFormat, id))
		return
	}

	if err := s.db.SoftDeleteMessage(id); err != nil {
		dbError("SoftDeleteMessage", err)
		sess.reply(systemf(msgDeleteFailedFormat, id))
		return
	}
	sess.reply(systemf(msgDeletedFormat, id))
}

func (s *Server) handlePublicKey(sess *Session, env *protocol.Envelope) {
	owner, err := s.db.GetUserByName(env.Field(protocol.FieldRecipientName))
	if dbError("GetUserByName", err) {
		sess.reply(protocol.System(msgNoKeyOwner))
		return
	}
	sess.reply(protocol.ReturnKey(owner.Username, owner.PublicKey))
}
