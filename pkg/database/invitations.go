package database

import (
	"database/sql"
)

// InvitationStatus is the lifecycle state of an invitation
type InvitationStatus string

const (
	InvitationCreated  InvitationStatus = "CREATED"
	InvitationPending  InvitationStatus = "PENDING"
	InvitationApproved InvitationStatus = "APPROVED"
	InvitationDenied   InvitationStatus = "DENIED"
)

// ParseInvitationStatus resolves a status name. Unknown names return false.
func ParseInvitationStatus(s string) (InvitationStatus, bool) {
	switch status := InvitationStatus(s); status {
	case InvitationCreated, InvitationPending, InvitationApproved, InvitationDenied:
		return status, true
	}
	return "", false
}

// Invitation asks for Invitee to join a group. InviterID is nil for self-requests.
type Invitation struct {
	ID            string
	InviterID     *string
	InviterName   string
	InviteeID     string
	InviteeName   string
	GroupID       string
	GroupName     string
	NeedsApproval bool
	Status        InvitationStatus
	CreatedAt     int64
}

// CreateInvitation stores a new invitation in the CREATED state
func (db *DB) CreateInvitation(inviter *User, invitee *User, group *Group, needsApproval bool) (*Invitation, error) {
	inv := &Invitation{
		ID:            newID(),
		InviteeID:     invitee.ID,
		InviteeName:   invitee.Username,
		GroupID:       group.ID,
		GroupName:     group.Name,
		NeedsApproval: needsApproval,
		Status:        InvitationCreated,
		CreatedAt:     nowMillis(),
	}
	if inviter != nil {
		id := inviter.ID
		inv.InviterID = &id
		inv.InviterName = inviter.Username
	}

	if _, err := db.writeConn.Exec(`
		INSERT INTO Invitation (id, inviter_id, invitee_id, group_id, needs_approval, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.InviterID, inv.InviteeID, inv.GroupID, inv.NeedsApproval, string(inv.Status), inv.CreatedAt); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvitation retrieves an invitation with its user and group names resolved
func (db *DB) GetInvitation(id string) (*Invitation, error) {
	var inv Invitation
	var inviterID, inviterName sql.NullString
	var status string

	err := db.conn.QueryRow(`
		SELECT i.id, i.inviter_id, inviter.username, i.invitee_id, invitee.username,
		       i.group_id, g.name, i.needs_approval, i.status, i.created_at
		FROM Invitation i
		JOIN User invitee ON invitee.id = i.invitee_id
		JOIN ChatGroup g ON g.id = i.group_id
		LEFT JOIN User inviter ON inviter.id = i.inviter_id
		WHERE i.id = ?
	`, id).Scan(
		&inv.ID,
		&inviterID,
		&inviterName,
		&inv.InviteeID,
		&inv.InviteeName,
		&inv.GroupID,
		&inv.GroupName,
		&inv.NeedsApproval,
		&status,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, errNoRows(err)
	}

	if inviterID.Valid {
		inv.InviterID = &inviterID.String
		inv.InviterName = inviterName.String
	}
	inv.Status = InvitationStatus(status)
	return &inv, nil
}

// UpdateInvitationStatus records a new status for an invitation
func (db *DB) UpdateInvitationStatus(id string, status InvitationStatus) error {
	return db.execOne(`UPDATE Invitation SET status = ? WHERE id = ?`, string(status), id)
}

// DeleteInvitation removes a processed invitation
func (db *DB) DeleteInvitation(id string) error {
	return db.execOne(`DELETE FROM Invitation WHERE id = ?`, id)
}

// execOne runs a write that must touch exactly one row
func (db *DB) execOne(query string, args ...any) error {
	result, err := db.writeConn.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
