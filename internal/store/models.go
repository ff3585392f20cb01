package store

import (
	"time"

	"earshot/internal/domain"
)

// ConversationSession is the durable unit of work. Created the moment
// capture starts, finalized by the recording lifecycle, drained by the
// sync engine. LocalID is client-generated and stable across restarts;
// ServerID arrives once the backend accepts the session.
type ConversationSession struct {
	LocalID         string  `gorm:"primaryKey" json:"local_id"`
	ServerID        *string `gorm:"index" json:"server_id"`
	ResolvedPeerID  *string `json:"resolved_peer_id"`
	PeerDisplayName string  `json:"peer_display_name"`
	PeerAnonymous   bool    `json:"peer_anonymous"`

	AudioFilePath   string     `json:"audio_file_path"`
	AudioStorageKey string     `json:"audio_storage_key"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds *int       `json:"duration_seconds"`
	Latitude        *float64   `json:"latitude"`
	Longitude       *float64   `json:"longitude"`

	SyncStatus  domain.SyncStatus `gorm:"index" json:"sync_status"`
	ErrorDetail string            `json:"error_detail"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlockedUser mirrors the backend blocklist locally so proximity filtering
// works synchronously and offline.
type BlockedUser struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
