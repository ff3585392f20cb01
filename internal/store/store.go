package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"earshot/internal/domain"
)

var ErrSessionNotFound = errors.New("conversation session not found")

// ErrInvalidTransition reports a sync status change outside the allowed
// forward-moving graph.
var ErrInvalidTransition = errors.New("invalid sync status transition")

// allowedTransitions is the forward-only status graph. The single backward
// edge, failed -> pending, exists for manual retry.
var allowedTransitions = map[domain.SyncStatus][]domain.SyncStatus{
	domain.SyncPending:      {domain.SyncUploading},
	domain.SyncUploading:    {domain.SyncUploaded, domain.SyncFailed},
	domain.SyncUploaded:     {domain.SyncTranscribing, domain.SyncCompleted, domain.SyncFailed},
	domain.SyncTranscribing: {domain.SyncCompleted, domain.SyncFailed},
	domain.SyncFailed:       {domain.SyncPending},
}

// Store owns the local sqlite database. Session mutation is serialized per
// row id so the recording writer and the sync engine never race on the same
// session.
type Store struct {
	db *gorm.DB

	mu      sync.Mutex
	rowLock map[string]*sync.Mutex
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&ConversationSession{}, &BlockedUser{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, rowLock: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockRow(localID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLock[localID]
	if !ok {
		l = &sync.Mutex{}
		s.rowLock[localID] = l
	}
	return l
}

// CreateSession inserts a new pending session row.
func (s *Store) CreateSession(session *ConversationSession) error {
	if session.LocalID == "" {
		return errors.New("session requires a local id")
	}
	if session.SyncStatus == "" {
		session.SyncStatus = domain.SyncPending
	}
	return s.db.Create(session).Error
}

// GetSession loads one row by local id.
func (s *Store) GetSession(localID string) (*ConversationSession, error) {
	var row ConversationSession
	err := s.db.First(&row, "local_id = ?", localID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteSession removes a row whose capture never produced audio; there is
// nothing worth uploading.
func (s *Store) DeleteSession(localID string) error {
	return s.db.Delete(&ConversationSession{}, "local_id = ?", localID).Error
}

// FinalizeSession records capture completion: end time, duration, and the
// audio file produced, leaving status untouched for the sync engine.
func (s *Store) FinalizeSession(localID string, endedAt time.Time, duration time.Duration, audioPath string) error {
	l := s.lockRow(localID)
	l.Lock()
	defer l.Unlock()

	seconds := int(duration / time.Second)
	res := s.db.Model(&ConversationSession{}).Where("local_id = ?", localID).Updates(map[string]any{
		"ended_at":         endedAt,
		"duration_seconds": seconds,
		"audio_file_path":  audioPath,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetPeer attaches the resolved identity to a session after the fact
// (capture can begin while the profile fetch is still in flight).
func (s *Store) SetPeer(localID string, peerID string, displayName string, anonymous bool) error {
	l := s.lockRow(localID)
	l.Lock()
	defer l.Unlock()

	res := s.db.Model(&ConversationSession{}).Where("local_id = ?", localID).Updates(map[string]any{
		"resolved_peer_id":  peerID,
		"peer_display_name": displayName,
		"peer_anonymous":    anonymous,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TransitionStatus moves a session through the status graph, rejecting
// transitions outside it. errDetail is persisted alongside failures and
// cleared otherwise.
func (s *Store) TransitionStatus(localID string, to domain.SyncStatus, errDetail string) error {
	l := s.lockRow(localID)
	l.Lock()
	defer l.Unlock()

	row, err := s.GetSession(localID)
	if err != nil {
		return err
	}
	if row.SyncStatus == to {
		return nil
	}
	if !transitionAllowed(row.SyncStatus, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.SyncStatus, to)
	}

	updates := map[string]any{"sync_status": to, "error_detail": ""}
	if to == domain.SyncFailed {
		updates["error_detail"] = errDetail
	}
	return s.db.Model(&ConversationSession{}).Where("local_id = ?", localID).Updates(updates).Error
}

// SetServerUpload persists the backend-assigned id and storage key so all
// later steps address the session by server id.
func (s *Store) SetServerUpload(localID string, serverID string, audioKey string) error {
	l := s.lockRow(localID)
	l.Lock()
	defer l.Unlock()

	res := s.db.Model(&ConversationSession{}).Where("local_id = ?", localID).Updates(map[string]any{
		"server_id":         serverID,
		"audio_storage_key": audioKey,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AllSessions returns every persisted session, newest first, for listing
// in the embedding UI.
func (s *Store) AllSessions() ([]ConversationSession, error) {
	var rows []ConversationSession
	err := s.db.Order("created_at desc").Find(&rows).Error
	return rows, err
}

// PendingOldestFirst returns rows awaiting upload in creation order.
func (s *Store) PendingOldestFirst() ([]ConversationSession, error) {
	var rows []ConversationSession
	err := s.db.
		Where("sync_status = ? AND ended_at IS NOT NULL", domain.SyncPending).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

// Processing returns rows whose backend pipeline outcome is still unknown.
func (s *Store) Processing() ([]ConversationSession, error) {
	var rows []ConversationSession
	err := s.db.
		Where("sync_status IN ? AND server_id IS NOT NULL", []domain.SyncStatus{domain.SyncUploaded, domain.SyncTranscribing}).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

// RecoverInterrupted returns rows stranded in uploading by a process death
// back to pending, so the interrupted transfer re-runs from the top. Returns
// how many rows were recovered.
func (s *Store) RecoverInterrupted() (int64, error) {
	res := s.db.Model(&ConversationSession{}).
		Where("sync_status = ?", domain.SyncUploading).
		Updates(map[string]any{"sync_status": domain.SyncPending, "error_detail": ""})
	return res.RowsAffected, res.Error
}

// ResetFailed flips every failed row back to pending for manual retry and
// returns how many rows were reset.
func (s *Store) ResetFailed() (int64, error) {
	res := s.db.Model(&ConversationSession{}).
		Where("sync_status = ?", domain.SyncFailed).
		Updates(map[string]any{"sync_status": domain.SyncPending, "error_detail": ""})
	return res.RowsAffected, res.Error
}

// ReplaceBlocklist swaps the local blocklist for the backend's view.
func (s *Store) ReplaceBlocklist(userIDs []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&BlockedUser{}).Error; err != nil {
			return err
		}
		for _, id := range userIDs {
			if err := tx.Create(&BlockedUser{UserID: id}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// IsBlocked answers synchronously from the local table.
func (s *Store) IsBlocked(userID string) bool {
	if userID == "" {
		return false
	}
	var count int64
	if err := s.db.Model(&BlockedUser{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

func transitionAllowed(from, to domain.SyncStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
