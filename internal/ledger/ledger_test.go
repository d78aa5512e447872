package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("entry-%04d", s.next.Add(1)), nil
}

func newTestLedger(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Account{}, &Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	return service, db
}

func TestCreditThenDebit(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestLedger(t)

	if err := service.Credit(ctx, nil, Posting{Account: UserAccount("alice"), Amount: 30, Reason: "deposit"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := service.Debit(ctx, nil, Posting{Account: UserAccount("alice"), Amount: 12, Reason: "fund", ActivityRef: "act-1"}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err := service.Balance(ctx, UserAccount("alice"))
	if err != nil || balance != 18 {
		t.Fatalf("expected balance 18, got %d %v", balance, err)
	}
	entries, err := service.EntriesForActivity(ctx, "act-1")
	if err != nil || len(entries) != 1 || entries[0].Direction != DirectionDebit {
		t.Fatalf("unexpected entries: %+v %v", entries, err)
	}
}

func TestDebitRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestLedger(t)

	if err := service.Debit(ctx, nil, Posting{Account: UserAccount("ghost"), Amount: 1}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for unknown account, got %v", err)
	}
	if err := service.Credit(ctx, nil, Posting{Account: UserAccount("bob"), Amount: 5}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := service.Debit(ctx, nil, Posting{Account: UserAccount("bob"), Amount: 6}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, _ := service.Balance(ctx, UserAccount("bob"))
	if balance != 5 {
		t.Fatalf("expected untouched balance, got %d", balance)
	}
}

func TestPostingsRollBackWithCallerTransaction(t *testing.T) {
	ctx := context.Background()
	service, db := newTestLedger(t)
	if err := service.Credit(ctx, nil, Posting{Account: EscrowAccount("act-2"), Amount: 10}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	failure := errors.New("stage change failed")
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := service.Debit(ctx, tx, Posting{Account: EscrowAccount("act-2"), Amount: 7}); err != nil {
			return err
		}
		if err := service.Credit(ctx, tx, Posting{Account: UserAccount("carol"), Amount: 7}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected rollback error, got %v", err)
	}

	escrow, _ := service.Balance(ctx, EscrowAccount("act-2"))
	carol, _ := service.Balance(ctx, UserAccount("carol"))
	if escrow != 10 || carol != 0 {
		t.Fatalf("expected rollback to restore balances, got escrow=%d carol=%d", escrow, carol)
	}
}

func TestInvalidPostings(t *testing.T) {
	service, _ := newTestLedger(t)
	if err := service.Credit(context.Background(), nil, Posting{Amount: 1}); !errors.Is(err, ErrInvalidPosting) {
		t.Fatalf("expected ErrInvalidPosting, got %v", err)
	}
	if err := service.Debit(context.Background(), nil, Posting{Account: "a", Amount: -1}); !errors.Is(err, ErrInvalidPosting) {
		t.Fatalf("expected ErrInvalidPosting, got %v", err)
	}
}
