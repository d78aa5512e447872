// Package documents records which versions of a paper exist. Content lives elsewhere.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidVersion indicates a missing paper id or a non-positive version.
	ErrInvalidVersion = errors.New("documents: invalid paper version")
	// ErrDuplicateVersion indicates that the paper version was already recorded.
	ErrDuplicateVersion = errors.New("documents: version already recorded")
)

// PaperVersion is the fact "paper PaperID has version Version".
type PaperVersion struct {
	PaperID           string `gorm:"column:paper_id;primaryKey;size:190"`
	Version           int    `gorm:"column:version;primaryKey;autoIncrement:false"`
	RecordedBy        string `gorm:"column:recorded_by;size:190"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

func (PaperVersion) TableName() string {
	return "paper_versions"
}

// Store reads and records paper version facts.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewStore(db *gorm.DB, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}
}

// RecordVersion stores a new version fact for paperID.
func (s *Store) RecordVersion(ctx context.Context, paperID string, version int, recordedBy string) error {
	paperID = strings.TrimSpace(paperID)
	if paperID == "" || version < 1 {
		return fmt.Errorf("%w: paper %q version %d", ErrInvalidVersion, paperID, version)
	}
	record := PaperVersion{
		PaperID:           paperID,
		Version:           version,
		RecordedBy:        recordedBy,
		RecordedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: paper %q version %d", ErrDuplicateVersion, paperID, version)
	}
	return nil
}

// CurrentVersion returns the highest recorded version of paperID, or zero.
// A non-nil tx reads through the caller's transaction.
func (s *Store) CurrentVersion(ctx context.Context, tx *gorm.DB, paperID string) (int, error) {
	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	var current int
	err := db.Model(&PaperVersion{}).
		Where("paper_id = ?", paperID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&current).Error
	if err != nil {
		return 0, err
	}
	return current, nil
}
