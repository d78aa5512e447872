package templates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateRecord persists one published template definition.
type TemplateRecord struct {
	TemplateID         string         `gorm:"column:template_id;primaryKey;size:190"`
	Name               string         `gorm:"column:name;size:190;not null"`
	Version            int            `gorm:"column:version;not null"`
	Definition         datatypes.JSON `gorm:"column:definition;not null"`
	Checksum           string         `gorm:"column:checksum;size:64;not null"`
	PublishedAtSeconds int64          `gorm:"column:published_at_s;not null"`
}

func (TemplateRecord) TableName() string {
	return "activity_templates"
}

// Store persists templates once per id.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a template store backed by db.
func NewStore(db *gorm.DB, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}
}

// Publish stores template under its id. Publishing an identical definition is
// a no-op reporting false; a differing definition fails with ErrTemplateImmutable.
func (s *Store) Publish(ctx context.Context, template Template) (bool, error) {
	definition, err := json.Marshal(template)
	if err != nil {
		return false, fmt.Errorf("templates: encode %q: %w", template.ID, err)
	}
	digest := sha256.Sum256(definition)
	record := TemplateRecord{
		TemplateID:         template.ID,
		Name:               template.Name,
		Version:            template.Version,
		Definition:         datatypes.JSON(definition),
		Checksum:           hex.EncodeToString(digest[:]),
		PublishedAtSeconds: s.clock().UTC().Unix(),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return false, fmt.Errorf("templates: publish %q: %w", template.ID, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var existing TemplateRecord
	if err := s.db.WithContext(ctx).Where("template_id = ?", template.ID).Take(&existing).Error; err != nil {
		return false, fmt.Errorf("templates: load %q: %w", template.ID, err)
	}
	if existing.Checksum != record.Checksum {
		return false, fmt.Errorf("%w: %q already published with checksum %s", ErrTemplateImmutable, template.ID, existing.Checksum)
	}
	return false, nil
}

// Find loads the template published under id.
func (s *Store) Find(ctx context.Context, id string) (Template, error) {
	var record TemplateRecord
	err := s.db.WithContext(ctx).Where("template_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	if err != nil {
		return Template{}, fmt.Errorf("templates: load %q: %w", id, err)
	}
	return decodeRecord(record)
}

// List returns every published template ordered by id.
func (s *Store) List(ctx context.Context) ([]Template, error) {
	var records []TemplateRecord
	if err := s.db.WithContext(ctx).Order("template_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("templates: list: %w", err)
	}
	decoded := make([]Template, 0, len(records))
	for _, record := range records {
		template, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, template)
	}
	return decoded, nil
}

func decodeRecord(record TemplateRecord) (Template, error) {
	var template Template
	if err := json.Unmarshal(record.Definition, &template); err != nil {
		return Template{}, fmt.Errorf("templates: decode %q: %w", record.TemplateID, err)
	}
	return template, nil
}
