package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a directory user. Empty fields keep the
// previously cached value, so a presence-only update cannot wipe the
// name and a directory refresh cannot wipe presence.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	status := u.Status
	if status == "" {
		status = PresenceOffline
	}
	_, err := db.Exec(`
		INSERT INTO users (id, name, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN users.name ELSE excluded.name END,
			status = CASE WHEN ? = '' THEN users.status ELSE excluded.status END,
			updated_at = excluded.updated_at`,
		u.ID, u.Name, status, now, u.Status)
	return err
}

// GetUser returns a user by id, or nil if absent.
func (db *DB) GetUser(id int64) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, name, status FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all cached directory users ordered by name.
func (db *DB) ListUsers() ([]User, error) {
	rows, err := db.Query(`SELECT id, name, status FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Status); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
