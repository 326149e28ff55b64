// Package futures persists pending-request bookkeeping so a restarted
// coordinator can resume waiting on requests already written to remote
// mailboxes instead of losing track of them.
package futures

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrFutureNotFound indicates no record exists for the given message id.
var ErrFutureNotFound = errors.New("futures: not found")

// Future is one persisted pending request.
type Future struct {
	ID        string `gorm:"primaryKey"`
	Recipient string `gorm:"index"`
	Sender    string
	Deadline  time.Time
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending-request statuses as stored.
const (
	StatusPending   = "pending"
	StatusFulfilled = "fulfilled"
	StatusTimedOut  = "timed_out"
	StatusCanceled  = "canceled"
)

// Store persists futures in a SQLite database inside the local (unsynced)
// state directory. The database never travels through the mailbox namespace.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (creating if needed) the futures database at path. Use ":memory:"
// for an ephemeral store in tests.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("futures: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Future{}); err != nil {
		return nil, fmt.Errorf("futures: migrate: %w", err)
	}
	return &Store{db: db, log: log.With(zap.String("component", "futures"))}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("futures: close: %w", err)
	}
	return sqlDB.Close()
}

// Save records a freshly sent request.
func (s *Store) Save(f *Future) error {
	if f.Status == "" {
		f.Status = StatusPending
	}
	if err := s.db.Save(f).Error; err != nil {
		return fmt.Errorf("futures: save %s: %w", f.ID, err)
	}
	return nil
}

// Get fetches one future by message id.
func (s *Store) Get(id string) (*Future, error) {
	var f Future
	err := s.db.First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFutureNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("futures: get %s: %w", id, err)
	}
	return &f, nil
}

// SetStatus updates the stored status of a future.
func (s *Store) SetStatus(id, status string) error {
	res := s.db.Model(&Future{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("futures: update %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrFutureNotFound, id)
	}
	return nil
}

// Delete removes a future once its owning round has finished with it.
func (s *Store) Delete(id string) error {
	if err := s.db.Delete(&Future{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("futures: delete %s: %w", id, err)
	}
	return nil
}

// ListPending returns all futures still marked pending, oldest first. A
// restarted process resumes waits from this set.
func (s *Store) ListPending() ([]Future, error) {
	var out []Future
	if err := s.db.Where("status = ?", StatusPending).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("futures: list pending: %w", err)
	}
	return out, nil
}

// PruneExpired deletes terminal futures older than age and marks pending
// futures whose deadline passed as timed out. Returns rows removed.
func (s *Store) PruneExpired(age time.Duration) (int64, error) {
	now := time.Now()

	s.db.Model(&Future{}).
		Where("status = ? AND deadline < ?", StatusPending, now).
		Update("status", StatusTimedOut)

	res := s.db.Where("status <> ? AND updated_at < ?", StatusPending, now.Add(-age)).Delete(&Future{})
	if res.Error != nil {
		return 0, fmt.Errorf("futures: prune: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Debug("pruned futures", zap.Int64("removed", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
