// Package awarding turns peer-given points into ranks and token payouts.
package awarding

import (
	"errors"
	"sort"
)

// ErrInsufficientEscrow indicates that the rank payouts exceed the escrow balance.
var ErrInsufficientEscrow = errors.New("awarding: payouts exceed escrow")

// Mode selects how tied totals consume rank slots.
type Mode int

const (
	// Standard ranking: ties share a rank and consume the slots they occupy (1,1,3).
	Standard Mode = iota
	// Dense ranking: ties share a rank and the next total takes the next integer (1,1,2).
	Dense
)

// Allocation is points given by one participant to another.
type Allocation struct {
	Giver    string
	Receiver string
	Category string
	Points   int
}

// Standing is one participant's ranked total.
type Standing struct {
	Participant string
	Points      int
	Rank        int
}

// Rank totals the points each eligible participant received and ranks them by
// total descending. Participants without allocations rank with zero points.
// Allocations to participants outside eligible are ignored. Ties are ordered
// by participant id so the result is stable for a given input set.
func Rank(eligible []string, allocations []Allocation, mode Mode) []Standing {
	totals := make(map[string]int, len(eligible))
	for _, participant := range eligible {
		totals[participant] = 0
	}
	for _, allocation := range allocations {
		if _, ok := totals[allocation.Receiver]; !ok {
			continue
		}
		totals[allocation.Receiver] += allocation.Points
	}

	standings := make([]Standing, 0, len(totals))
	for participant, points := range totals {
		standings = append(standings, Standing{Participant: participant, Points: points})
	}
	sort.Slice(standings, func(i, j int) bool {
		if standings[i].Points != standings[j].Points {
			return standings[i].Points > standings[j].Points
		}
		return standings[i].Participant < standings[j].Participant
	})

	rank := 0
	for index := range standings {
		if index > 0 && standings[index].Points == standings[index-1].Points {
			standings[index].Rank = standings[index-1].Rank
			continue
		}
		if mode == Dense {
			rank++
		} else {
			rank = index + 1
		}
		standings[index].Rank = rank
	}
	return standings
}
