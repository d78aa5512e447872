package activities

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerflow/internal/awarding"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

// AwardSummary records how an escrow was distributed on completion.
type AwardSummary struct {
	Standings       []awarding.Standing `json:"standings"`
	Payouts         []awarding.Payout   `json:"payouts"`
	Insurance       int64               `json:"insurance"`
	Leftover        int64               `json:"leftover"`
	PlatformAccount string              `json:"platform_account"`
}

func rankingMode(template templates.Template) awarding.Mode {
	if template.EffectiveRankingMode() == templates.RankingDense {
		return awarding.Dense
	}
	return awarding.Standard
}

// settleAwards ranks locked-in reviewers by received points and pays the
// escrow out through the ledger inside tx. Any failure aborts the completion.
func (s *Service) settleAwards(ctx context.Context, tx *gorm.DB, activity *Activity, template templates.Template) (summary AwardSummary, err error) {
	ctx, span := s.tracer.Start(ctx, "activities.award")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var eligible []string
	if err := tx.Model(&Participant{}).
		Where("activity_id = ? AND role = ? AND status = ?", activity.ActivityID, templates.RoleReviewer, StatusLockedIn).
		Order("user_id ASC").
		Pluck("user_id", &eligible).Error; err != nil {
		return AwardSummary{}, fmt.Errorf("list eligible reviewers: %w", err)
	}

	var rows []AwardAllocation
	if err := tx.Where("activity_id = ?", activity.ActivityID).Find(&rows).Error; err != nil {
		return AwardSummary{}, fmt.Errorf("load awards: %w", err)
	}
	allocations := make([]awarding.Allocation, 0, len(rows))
	for _, row := range rows {
		allocations = append(allocations, awarding.Allocation{
			Giver:    row.GiverID,
			Receiver: row.ReceiverID,
			Category: row.Category,
			Points:   row.Points,
		})
	}

	standings := awarding.Rank(eligible, allocations, rankingMode(template))
	plan, err := awarding.BuildPlan(standings, template.RankToTokens, activity.EscrowBalance, template.InsuranceReserve)
	if err != nil {
		if errors.Is(err, awarding.ErrInsufficientEscrow) {
			return AwardSummary{}, fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return AwardSummary{}, err
	}

	escrowAccount := ledger.EscrowAccount(activity.ActivityID)
	for _, payout := range plan.Payouts {
		if payout.Amount == 0 {
			continue
		}
		if err := s.moveTokens(ctx, tx, escrowAccount, ledger.UserAccount(payout.Participant), payout.Amount, fmt.Sprintf("award rank %d", payout.Rank), activity.ActivityID); err != nil {
			return AwardSummary{}, err
		}
	}
	if credit := plan.PlatformCredit(); credit > 0 {
		if err := s.moveTokens(ctx, tx, escrowAccount, s.platformAccount, credit, "insurance and leftover", activity.ActivityID); err != nil {
			return AwardSummary{}, err
		}
	}
	if err := tx.Model(&Activity{}).
		Where("activity_id = ?", activity.ActivityID).
		Update("escrow_balance", 0).Error; err != nil {
		return AwardSummary{}, fmt.Errorf("clear escrow: %w", err)
	}
	activity.EscrowBalance = 0

	span.SetAttributes(
		attribute.Int("award.participants", len(standings)),
		attribute.Int64("award.paid", plan.Paid),
		attribute.Int64("award.insurance", plan.Insurance),
		attribute.Int64("award.leftover", plan.Leftover),
	)
	return AwardSummary{
		Standings:       standings,
		Payouts:         plan.Payouts,
		Insurance:       plan.Insurance,
		Leftover:        plan.Leftover,
		PlatformAccount: s.platformAccount,
	}, nil
}

// refundEscrow returns the whole escrow balance to the creator.
func (s *Service) refundEscrow(ctx context.Context, tx *gorm.DB, activity *Activity) (int64, error) {
	refund := activity.EscrowBalance
	if refund == 0 {
		return 0, nil
	}
	if err := s.moveTokens(ctx, tx, ledger.EscrowAccount(activity.ActivityID), ledger.UserAccount(activity.CreatorID), refund, "cancellation refund", activity.ActivityID); err != nil {
		return 0, err
	}
	if err := tx.Model(&Activity{}).
		Where("activity_id = ?", activity.ActivityID).
		Update("escrow_balance", 0).Error; err != nil {
		return 0, fmt.Errorf("clear escrow: %w", err)
	}
	activity.EscrowBalance = 0
	return refund, nil
}

func (s *Service) moveTokens(ctx context.Context, tx *gorm.DB, from, to string, amount int64, reason, activityID string) error {
	if err := s.ledger.Debit(ctx, tx, ledger.Posting{Account: from, Amount: amount, Reason: reason, ActivityRef: activityID}); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if err := s.ledger.Credit(ctx, tx, ledger.Posting{Account: to, Amount: amount, Reason: reason, ActivityRef: activityID}); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}
