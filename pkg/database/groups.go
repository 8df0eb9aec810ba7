package database

import (
	"database/sql"
	"errors"
)

// Member is one user's membership in a group
type Member struct {
	UserID   string
	Username string
	Admin    bool
}

// Group represents a named group with its members. Admins are members too.
type Group struct {
	ID        string
	Name      string
	CreatedAt int64
	Members   []Member
}

// Contains reports whether username is a member (or admin) of the group
func (g *Group) Contains(username string) bool {
	for _, m := range g.Members {
		if m.Username == username {
			return true
		}
	}
	return false
}

// IsAdmin reports whether username administers the group
func (g *Group) IsAdmin(username string) bool {
	for _, m := range g.Members {
		if m.Admin && m.Username == username {
			return true
		}
	}
	return false
}

// AdminNames returns the usernames of the group's admins
func (g *Group) AdminNames() []string {
	var names []string
	for _, m := range g.Members {
		if m.Admin {
			names = append(names, m.Username)
		}
	}
	return names
}

// MemberNames returns the usernames of every member
func (g *Group) MemberNames() []string {
	names := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		names = append(names, m.Username)
	}
	return names
}

// AddMember adds user to the in-memory group. Call SaveGroup to persist.
func (g *Group) AddMember(user *User) {
	if g.Contains(user.Username) {
		return
	}
	g.Members = append(g.Members, Member{UserID: user.ID, Username: user.Username})
}

// CreateGroup creates a group with admin as its sole admin and member.
// Returns ErrGroupExists if the name is taken.
func (db *DB) CreateGroup(name string, admin *User) (*Group, error) {
	group := &Group{
		ID:        newID(),
		Name:      name,
		CreatedAt: nowMillis(),
		Members:   []Member{{UserID: admin.ID, Username: admin.Username, Admin: true}},
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO ChatGroup (id, name, created_at) VALUES (?, ?, ?)`, group.ID, group.Name, group.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrGroupExists
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO GroupMember (group_id, user_id, is_admin, joined_at)
		VALUES (?, ?, 1, ?)
	`, group.ID, admin.ID, group.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return group, nil
}

// GetGroupByName retrieves a group and its members
func (db *DB) GetGroupByName(name string) (*Group, error) {
	return db.getGroup(`SELECT id, name, created_at FROM ChatGroup WHERE name = ?`, name)
}

// GetGroupByID retrieves a group and its members
func (db *DB) GetGroupByID(id string) (*Group, error) {
	return db.getGroup(`SELECT id, name, created_at FROM ChatGroup WHERE id = ?`, id)
}

func (db *DB) getGroup(query, arg string) (*Group, error) {
	var group Group
	err := db.conn.QueryRow(query, arg).Scan(&group.ID, &group.Name, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	members, err := db.groupMembers(group.ID)
	if err != nil {
		return nil, err
	}
	group.Members = members
	return &group, nil
}

func (db *DB) groupMembers(groupID string) ([]Member, error) {
	rows, err := db.conn.Query(`
		SELECT gm.user_id, u.username, gm.is_admin
		FROM GroupMember gm
		JOIN User u ON u.id = gm.user_id
		WHERE gm.group_id = ?
		ORDER BY gm.joined_at ASC, u.username ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.Admin); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SaveGroup persists the group's membership list
func (db *DB) SaveGroup(group *Group) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowMillis()
	for _, m := range group.Members {
		if _, err := tx.Exec(`
			INSERT INTO GroupMember (group_id, user_id, is_admin, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(group_id, user_id) DO UPDATE SET is_admin = excluded.is_admin
		`, group.ID, m.UserID, m.Admin, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
