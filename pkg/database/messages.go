package database

import (
	"database/sql"
	"errors"
	"time"
)

// Message represents a stored message. RecipientID is nil for broadcasts.
type Message struct {
	ID          string
	SenderID    string
	SenderName  string
	RecipientID *string
	Body        string
	SentAt      int64 // Unix timestamp in milliseconds
	Deleted     bool
}

// CreateMessage stores a message from sender. A nil recipient records a broadcast.
func (db *DB) CreateMessage(sender *User, recipient *User, body string, at time.Time) (*Message, error) {
	msg := &Message{
		ID:         newID(),
		SenderID:   sender.ID,
		SenderName: sender.Username,
		Body:       body,
		SentAt:     at.UnixMilli(),
	}
	if recipient != nil {
		id := recipient.ID
		msg.RecipientID = &id
	}

	if _, err := db.writeConn.Exec(`
		INSERT INTO Message (id, sender_id, recipient_id, body, sent_at, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
	`, msg.ID, msg.SenderID, msg.RecipientID, msg.Body, msg.SentAt); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessagesTo returns the non-deleted messages addressed to recipientID,
// oldest first. A zero since returns all of them; otherwise only messages
// sent strictly after since are included.
func (db *DB) ListMessagesTo(recipientID string, since time.Time) ([]*Message, error) {
	var after int64 = -1
	if !since.IsZero() {
		after = since.UnixMilli()
	}

	rows, err := db.conn.Query(`
		SELECT m.id, m.sender_id, u.username, m.recipient_id, m.body, m.sent_at, m.deleted
		FROM Message m
		JOIN User u ON u.id = m.sender_id
		WHERE m.recipient_id = ? AND m.deleted = 0 AND m.sent_at > ?
		ORDER BY m.sent_at ASC, m.rowid ASC
	`, recipientID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetMessage retrieves a message by ID, including deleted ones
func (db *DB) GetMessage(id string) (*Message, error) {
	rows, err := db.conn.Query(`
		SELECT m.id, m.sender_id, u.username, m.recipient_id, m.body, m.sent_at, m.deleted
		FROM Message m
		JOIN User u ON u.id = m.sender_id
		WHERE m.id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages[0], nil
}

// SoftDeleteMessage flags a message as deleted. Deleted messages are kept
// but no longer replayed.
func (db *DB) SoftDeleteMessage(id string) error {
	return db.execOne(`UPDATE Message SET deleted = 1 WHERE id = ?`, id)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg := &Message{}
		var recipientID sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.SenderID,
			&msg.SenderName,
			&recipientID,
			&msg.Body,
			&msg.SentAt,
			&msg.Deleted,
		); err != nil {
			return nil, err
		}

		if recipientID.Valid {
			msg.RecipientID = &recipientID.String
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// errNoRows maps sql.ErrNoRows to ErrNotFound
func errNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
