package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrGroupExists indicates the group name is already taken.
	ErrGroupExists = errors.New("group already exists")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// wait and retry instead of failing with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// Open opens the SQLite database at path and brings its schema up to date.
// The path must name a file; an in-memory database would give the read and
// write connections two separate databases.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func applyPragmas(conn *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func newID() string {
	return uuid.NewString()
}

// isUniqueViolation reports whether err came from a UNIQUE constraint
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// User represents a registered account
type User struct {
	ID           string
	Username     string
	PasswordHash string
	PublicKey    string
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// CreateUser registers a new account. Returns ErrUserExists if the username is taken.
func (db *DB) CreateUser(username, passwordHash, publicKey string) (*User, error) {
	user := &User{
		ID:           newID(),
		Username:     username,
		PasswordHash: passwordHash,
		PublicKey:    publicKey,
		CreatedAt:    nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO User (id, username, password_hash, public_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.PasswordHash, user.PublicKey, user.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}

	return user, nil
}

// GetUserByName retrieves a user by username
func (db *DB) GetUserByName(username string) (*User, error) {
	var user User
	err := db.conn.QueryRow(`
		SELECT id, username, password_hash, public_key, created_at
		FROM User
		WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.PublicKey, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// RecordLogin appends a login timestamp for the user
func (db *DB) RecordLogin(userID string, at time.Time) error {
	_, err := db.writeConn.Exec(`INSERT INTO UserLogin (user_id, at) VALUES (?, ?)`, userID, at.UnixMilli())
	return err
}

// RecordLogout appends a logout timestamp for the user
func (db *DB) RecordLogout(userID string, at time.Time) error {
	_, err := db.writeConn.Exec(`INSERT INTO UserLogout (user_id, at) VALUES (?, ?)`, userID, at.UnixMilli())
	return err
}

// LastLogout returns the most recent logout of the user. ok is false when
// the user has never logged out.
func (db *DB) LastLogout(userID string) (at time.Time, ok bool, err error) {
	var millis sql.NullInt64
	err = db.conn.QueryRow(`SELECT MAX(at) FROM UserLogout WHERE user_id = ?`, userID).Scan(&millis)
	if err != nil {
		return time.Time{}, false, err
	}
	if !millis.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis.Int64), true, nil
}
