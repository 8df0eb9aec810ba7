package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// TestMigrationPath validates the migration path from an empty database to
// the latest version.
//
// IMPORTANT: add a case here for every new migration.
func TestMigrationPath(t *testing.T) {
	migrationTests := []struct {
		name           string
		toVersion      int
		validateSchema func(db *sql.DB, t *testing.T)
	}{
		{
			name:      "v0 → v1: Initial schema creation",
			toVersion: 1,
			validateSchema: func(db *sql.DB, t *testing.T) {
				tables := []string{"User", "UserLogin", "UserLogout", "ChatGroup", "GroupMember", "Message", "Invitation", "schema_migrations"}
				for _, table := range tables {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
					require.NoError(t, err, "check table %s", table)
					assert.Equal(t, 1, count, "table %s not found after migration to v1", table)
				}

				indexes := []string{"idx_messages_recipient", "idx_logout_user", "idx_members_user"}
				for _, index := range indexes {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
					require.NoError(t, err, "check index %s", index)
					assert.Equal(t, 1, count, "index %s not found after migration to v1", index)
				}
			},
		},
	}

	require.Equal(t, len(migrations), len(migrationTests), "every migration needs a test case")

	for _, tt := range migrationTests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "migrate.db")
			db, err := Open(path)
			require.NoError(t, err)
			defer db.Close()

			version, err := schemaVersion(db.conn)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, version, tt.toVersion)

			tt.validateSchema(db.conn, t)
		})
	}
}

// TestMigrationsIdempotent reopens a database and checks nothing is reapplied
func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.CreateUser("alice", "hash", "")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, len(migrations), applied)

	user, err := db.GetUserByName("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}
