package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TeamAPIKey holds the bcrypt hash of a team's gateway API key. The plaintext
// key is shown once at issue time and never stored.
type TeamAPIKey struct {
	TeamID    string `gorm:"primaryKey"`
	KeyHash   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OAuthConnection stores the durable refresh credential for one user's
// provider account. Live access tokens are cached in Redis, not here.
type OAuthConnection struct {
	UserID       string `gorm:"primaryKey"`
	Provider     string `gorm:"primaryKey"`
	TeamID       string `gorm:"index"`
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func GetAPIKey(db *gorm.DB, teamID string) (*TeamAPIKey, error) {
	var key TeamAPIKey
	result := db.Where("team_id = ?", teamID).Limit(1).Find(&key)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &key, nil
}

// UpsertAPIKey replaces a team's key hash; issuing a new key revokes the old one.
func UpsertAPIKey(db *gorm.DB, teamID, keyHash string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"key_hash", "updated_at"}),
	}).Create(&TeamAPIKey{TeamID: teamID, KeyHash: keyHash}).Error
}

func GetOAuthConnection(db *gorm.DB, userID, provider string) (*OAuthConnection, error) {
	var conn OAuthConnection
	result := db.Where("user_id = ? AND provider = ?", userID, provider).Limit(1).Find(&conn)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &conn, nil
}
