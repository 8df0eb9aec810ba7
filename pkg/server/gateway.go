package server

import (
	"errors"
	"time"

	"github.com/aeolun/prattle/pkg/database"
)

// Gateway is the persistence the server needs. *database.DB implements it.
// Lookups return database.ErrNotFound for missing records.
type Gateway interface {
	CreateUser(username, passwordHash, publicKey string) (*database.User, error)
	GetUserByName(username string) (*database.User, error)
	RecordLogin(userID string, at time.Time) error
	RecordLogout(userID string, at time.Time) error
	LastLogout(userID string) (time.Time, bool, error)

	CreateGroup(name string, admin *database.User) (*database.Group, error)
	GetGroupByName(name string) (*database.Group, error)
	GetGroupByID(id string) (*database.Group, error)
	SaveGroup(group *database.Group) error

	CreateMessage(sender, recipient *database.User, body string, at time.Time) (*database.Message, error)
	ListMessagesTo(recipientID string, since time.Time) ([]*database.Message, error)
	GetMessage(id string) (*database.Message, error)
	SoftDeleteMessage(id string) error

	CreateInvitation(inviter, invitee *database.User, group *database.Group, needsApproval bool) (*database.Invitation, error)
	GetInvitation(id string) (*database.Invitation, error)
	UpdateInvitationStatus(id string, status database.InvitationStatus) error
	DeleteInvitation(id string) error

	Close() error
}

var _ Gateway = (*database.DB)(nil)

// dbError logs unexpected database failures. It returns true when err is
// set, so callers can treat any failure as "absent".
func dbError(op string, err error) bool {
	if err == nil {
		return false
	}
	if !errors.Is(err, database.ErrNotFound) {
		errorLog.Printf("Database error in %s: %v", op, err)
	}
	return true
}
