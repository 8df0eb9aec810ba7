package database

import (
	"database/sql"
	"fmt"
	"log"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order; never edit one that has shipped.
var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		sql: `
CREATE TABLE IF NOT EXISTS User (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	public_key TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS UserLogin (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS UserLogout (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	at INTEGER NOT NULL,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS ChatGroup (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS GroupMember (
	group_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, user_id),
	FOREIGN KEY (group_id) REFERENCES ChatGroup(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Message (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL,
	recipient_id TEXT,
	body TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (sender_id) REFERENCES User(id) ON DELETE CASCADE,
	FOREIGN KEY (recipient_id) REFERENCES User(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Invitation (
	id TEXT PRIMARY KEY,
	inviter_id TEXT,
	invitee_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	needs_approval INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (inviter_id) REFERENCES User(id) ON DELETE SET NULL,
	FOREIGN KEY (invitee_id) REFERENCES User(id) ON DELETE CASCADE,
	FOREIGN KEY (group_id) REFERENCES ChatGroup(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient ON Message(recipient_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_logout_user ON UserLogout(user_id, at);
CREATE INDEX IF NOT EXISTS idx_members_user ON GroupMember(user_id);
`,
	},
}

// runMigrations applies every migration newer than the recorded schema version
func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(conn, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		log.Printf("Applied database migration %d: %s", m.version, m.name)
	}
	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func applyMigration(conn *sql.DB, m migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, nowMillis()); err != nil {
		return err
	}
	return tx.Commit()
}
