package awarding

import "fmt"

// Payout is the token amount owed to one ranked participant.
type Payout struct {
	Participant string
	Rank        int
	Points      int
	Amount      int64
}

// Plan is the full distribution of an escrow balance.
type Plan struct {
	Payouts   []Payout
	Paid      int64
	Insurance int64
	Leftover  int64
	Escrow    int64
}

// PlatformCredit is the amount routed to the platform pool.
func (plan Plan) PlatformCredit() int64 {
	return plan.Insurance + plan.Leftover
}

// Balanced reports whether payouts, insurance and leftover account for the
// whole escrow.
func (plan Plan) Balanced() bool {
	return plan.Paid+plan.Insurance+plan.Leftover == plan.Escrow
}

// BuildPlan maps standings onto rankTable. A participant whose rank exceeds the
// table receives nothing. Escrow remaining after payouts fills the insurance
// reserve first; the rest is leftover.
func BuildPlan(standings []Standing, rankTable []int64, escrow, insurance int64) (Plan, error) {
	plan := Plan{Payouts: make([]Payout, 0, len(standings)), Escrow: escrow}
	for _, standing := range standings {
		var amount int64
		if standing.Rank >= 1 && standing.Rank <= len(rankTable) {
			amount = rankTable[standing.Rank-1]
		}
		plan.Payouts = append(plan.Payouts, Payout{
			Participant: standing.Participant,
			Rank:        standing.Rank,
			Points:      standing.Points,
			Amount:      amount,
		})
		plan.Paid += amount
	}
	if plan.Paid > escrow {
		return Plan{}, fmt.Errorf("%w: owed %d, escrow %d", ErrInsufficientEscrow, plan.Paid, escrow)
	}

	remaining := escrow - plan.Paid
	plan.Insurance = min(max(insurance, 0), remaining)
	plan.Leftover = remaining - plan.Insurance
	return plan, nil
}
