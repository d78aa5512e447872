// Package ledger keeps token balances and an append-only entry journal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds indicates that a debit would overdraw an account.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidPosting indicates a posting without an account or with a negative amount.
	ErrInvalidPosting = errors.New("ledger: invalid posting")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// Direction records which side of an account an entry touched.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Account holds the running balance of one ledger account.
type Account struct {
	AccountID        string `gorm:"column:account_id;primaryKey;size:190"`
	Balance          int64  `gorm:"column:balance;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (Account) TableName() string {
	return "ledger_accounts"
}

// Entry is one immutable movement on an account.
type Entry struct {
	EntryID          string    `gorm:"column:entry_id;primaryKey;size:190"`
	AccountID        string    `gorm:"column:account_id;size:190;not null;index:idx_ledger_entries_account"`
	Direction        Direction `gorm:"column:direction;size:16;not null"`
	Amount           int64     `gorm:"column:amount;not null"`
	Reason           string    `gorm:"column:reason;size:190;not null"`
	ActivityRef      string    `gorm:"column:activity_ref;size:190;index:idx_ledger_entries_activity"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}

// Posting describes a single debit or credit request.
type Posting struct {
	Account     string
	Amount      int64
	Reason      string
	ActivityRef string
}

// UserAccount names the wallet account of a user.
func UserAccount(userID string) string {
	return "user:" + userID
}

// EscrowAccount names the escrow account of an activity.
func EscrowAccount(activityID string) string {
	return "escrow:" + activityID
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service posts debits and credits. Debit and Credit accept the caller's
// transaction so ledger movements commit or roll back with it.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

func (s *Service) within(ctx context.Context, tx *gorm.DB, fn func(*gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// Debit removes posting.Amount from posting.Account. A nil tx runs the debit
// in its own transaction.
func (s *Service) Debit(ctx context.Context, tx *gorm.DB, posting Posting) error {
	if err := validatePosting(posting); err != nil {
		return err
	}
	if posting.Amount == 0 {
		return nil
	}
	return s.within(ctx, tx, func(tx *gorm.DB) error {
		var account Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", posting.Account).
			Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: account %s has no balance", ErrInsufficientFunds, posting.Account)
		}
		if err != nil {
			return err
		}
		if account.Balance < posting.Amount {
			return fmt.Errorf("%w: account %s holds %d, needs %d", ErrInsufficientFunds, posting.Account, account.Balance, posting.Amount)
		}

		now := s.clock().UTC().Unix()
		result := tx.Model(&Account{}).
			Where("account_id = ? AND balance >= ?", posting.Account, posting.Amount).
			Updates(map[string]any{
				"balance":      gorm.Expr("balance - ?", posting.Amount),
				"updated_at_s": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: account %s changed concurrently", ErrInsufficientFunds, posting.Account)
		}
		return s.appendEntry(tx, posting, DirectionDebit, now)
	})
}

// Credit adds posting.Amount to posting.Account, opening the account if needed.
func (s *Service) Credit(ctx context.Context, tx *gorm.DB, posting Posting) error {
	if err := validatePosting(posting); err != nil {
		return err
	}
	if posting.Amount == 0 {
		return nil
	}
	return s.within(ctx, tx, func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		opened := Account{AccountID: posting.Account, Balance: 0, CreatedAtSeconds: now, UpdatedAtSeconds: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&opened).Error; err != nil {
			return err
		}
		result := tx.Model(&Account{}).
			Where("account_id = ?", posting.Account).
			Updates(map[string]any{
				"balance":      gorm.Expr("balance + ?", posting.Amount),
				"updated_at_s": now,
			})
		if result.Error != nil {
			return result.Error
		}
		return s.appendEntry(tx, posting, DirectionCredit, now)
	})
}

func (s *Service) appendEntry(tx *gorm.DB, posting Posting, direction Direction, now int64) error {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	entry := Entry{
		EntryID:          entryID,
		AccountID:        posting.Account,
		Direction:        direction,
		Amount:           posting.Amount,
		Reason:           posting.Reason,
		ActivityRef:      posting.ActivityRef,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logger.Error("ledger entry insert failed",
			zap.String("account", posting.Account),
			zap.String("direction", string(direction)),
			zap.Error(err))
		return err
	}
	return nil
}

// Balance returns the balance of account; unknown accounts hold zero.
func (s *Service) Balance(ctx context.Context, account string) (int64, error) {
	var stored Account
	err := s.db.WithContext(ctx).Where("account_id = ?", account).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stored.Balance, nil
}

// EntriesForActivity lists the entries referencing activityID in insertion order.
func (s *Service) EntriesForActivity(ctx context.Context, activityID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("activity_ref = ?", activityID).
		Order("created_at_s ASC, entry_id ASC").
		Find(&entries).Error
	return entries, err
}

func validatePosting(posting Posting) error {
	if posting.Account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidPosting)
	}
	if posting.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidPosting, posting.Amount)
	}
	return nil
}
