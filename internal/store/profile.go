package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pigeonai/pigeon/internal/chat"
)

// UpsertProfile caches a user profile. Empty fields keep the stored value.
func (db *DB) UpsertProfile(p chat.Profile) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarURL, now)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.UserID, err)
	}
	return nil
}

// GetProfile returns a cached profile, or nil.
func (db *DB) GetProfile(userID string) (*chat.Profile, error) {
	var p chat.Profile
	err := db.QueryRow(`SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ClearProfiles removes every cached profile.
func (db *DB) ClearProfiles() error {
	_, err := db.Exec(`DELETE FROM profiles`)
	return err
}
