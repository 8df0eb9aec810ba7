package server

import (
	"fmt"
	"strings"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

const (
	msgInviteBadStatus    = "The invitation status is wrong."
	msgInviteNoInvitee    = "There is no invitee"
	msgInviteNotCreated   = "The invitation is not created successfully."
	msgInviteGone         = "Invitation doesn't exist anymore. This invitation either has already been processed, or not exist."
	msgAlreadyMemberFmt   = "%s is already in the group %s"
	msgSelfNotMemberFmt   = "You can't invite people because you are not in the group %s"
	msgInviteOnBehalfFmt  = "You can't invite people on behalf of %s"
	msgNotAdminFmt        = "Current user is not the admin of group %s"
	msgInviteProcessedFmt = "You have processed invite %s"
	msgInviteRequestFmt   = "Invite %s: %s request to join the group %s"
	msgInviteOtherFmt     = "Invite %s: %s invite %s to join the group %s"
	msgInviteSelfFmt      = "Invite %s: you invite %s to join the group %s"
	msgInviteApprovedFmt  = "%s has been added to group %s"
	msgInviteDeniedFmt    = "%s denied %s to join the group %s"
)

// handleInvite runs the invitation flow selected by invite_status
func (s *Server) handleInvite(sess *Session, env *protocol.Envelope) {
	status, ok := database.ParseInvitationStatus(env.Field(protocol.FieldInviteStatus))
	switch {
	case ok && status == database.InvitationCreated:
		s.createInvitation(sess, env)
	case ok && (status == database.InvitationApproved || status == database.InvitationDenied):
		s.decideInvitation(sess, env, status)
	default:
		sess.reply(protocol.System(msgInviteBadStatus))
	}
}

// createInvitation records a join request and asks the group's admins to
// decide it. Without an invitor the invitee is asking to join.
func (s *Server) createInvitation(sess *Session, env *protocol.Envelope) {
	groupName := env.Field(protocol.FieldGroupName)
	group, err := s.db.GetGroupByName(groupName)
	if dbError("GetGroupByName", err) {
		sess.reply(systemf(msgNoSuchGroupFormat, groupName))
		return
	}

	invitee, err := s.db.GetUserByName(env.Field(protocol.FieldInvitee))
	if dbError("GetUserByName", err) {
		sess.reply(protocol.System(msgInviteNoInvitee))
		return
	}
	if group.Contains(invitee.Username) {
		sess.reply(systemf(msgAlreadyMemberFmt, invitee.Username, group.Name))
		return
	}

	// an invitation is always made in the session's own name
	var inviter *database.User
	if name := env.Field(protocol.FieldInvitor); name != "" {
		if !group.Contains(sess.Username()) {
			sess.reply(systemf(msgSelfNotMemberFmt, group.Name))
			return
		}
		if !strings.EqualFold(name, sess.Username()) {
			sess.reply(systemf(msgInviteOnBehalfFmt, name))
			return
		}
		inviter = sess.User()
	}

	inv, err := s.db.CreateInvitation(inviter, invitee, group, true)
	if err != nil {
		errorLog.Printf("Session %d: failed to create invitation: %v", sess.ID, err)
		sess.reply(protocol.System(msgInviteNotCreated))
		return
	}

	var text string
	if inviter == nil {
		text = fmt.Sprintf(msgInviteRequestFmt, inv.ID, invitee.Username, group.Name)
	} else {
		text = fmt.Sprintf(msgInviteOtherFmt, inv.ID, inviter.Username, invitee.Username, group.Name)
	}
	for _, admin := range group.AdminNames() {
		s.registry.DeliverToUser(protocol.ToUser(sess.Username(), admin, text), admin)
	}

	if inviter != nil {
		sess.reply(systemf(msgInviteSelfFmt, inv.ID, invitee.Username, group.Name))
	}
}

// decideInvitation applies an admin's decision. The invitation is deleted
// either way, so a second admin deciding the same invite finds nothing.
func (s *Server) decideInvitation(sess *Session, env *protocol.Envelope, status database.InvitationStatus) {
	id := env.Field(protocol.FieldInviteID)
	inv, err := s.db.GetInvitation(id)
	if dbError("GetInvitation", err) {
		sess.reply(protocol.System(msgInviteGone))
		return
	}

	group, err := s.db.GetGroupByID(inv.GroupID)
	if dbError("GetGroupByID", err) {
		sess.reply(protocol.System(msgInviteGone))
		return
	}
	if !group.IsAdmin(sess.Username()) {
		sess.reply(systemf(msgNotAdminFmt, group.Name))
		return
	}

	if status == database.InvitationApproved {
		group.AddMember(&database.User{ID: inv.InviteeID, Username: inv.InviteeName})
		if err := s.db.SaveGroup(group); err != nil {
			errorLog.Printf("Session %d: failed to add %s to %s: %v", sess.ID, inv.InviteeName, group.Name, err)
		}
	}

	if err := s.db.UpdateInvitationStatus(inv.ID, status); err != nil {
		dbError("UpdateInvitationStatus", err)
	}
	if err := s.db.DeleteInvitation(inv.ID); err != nil {
		dbError("DeleteInvitation", err)
	}

	var text string
	if status == database.InvitationApproved {
		text = fmt.Sprintf(msgInviteApprovedFmt, inv.InviteeName, group.Name)
	} else {
		text = fmt.Sprintf(msgInviteDeniedFmt, sess.Username(), inv.InviteeName, group.Name)
	}

	notify := append(group.AdminNames(), inv.InviteeName)
	if inv.InviterName != "" {
		notify = append(notify, inv.InviterName)
	}
	seen := make(map[string]bool, len(notify))
	for _, name := range notify {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.registry.DeliverToUser(protocol.ToUser(sess.Username(), name, text), name)
	}

	sess.reply(systemf(msgInviteProcessedFmt, inv.ID))
}
