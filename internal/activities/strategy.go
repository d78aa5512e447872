package activities

import "github.com/MarcoPoloResearchLab/peerflow/internal/templates"

// ProgressionStrategy decides whether satisfied edges are taken as a side
// effect of submissions and joins.
type ProgressionStrategy interface {
	Name() templates.Progression
	AdvanceOnAction() bool
}

// Automatic takes the first satisfied edge after every accepted action.
type Automatic struct{}

func (Automatic) Name() templates.Progression { return templates.ProgressionAutomatic }

func (Automatic) AdvanceOnAction() bool { return true }

// Manual leaves every stage change to an explicit Advance.
type Manual struct{}

func (Manual) Name() templates.Progression { return templates.ProgressionManual }

func (Manual) AdvanceOnAction() bool { return false }

// StrategyFor returns the progression strategy declared by template.
func StrategyFor(template templates.Template) ProgressionStrategy {
	if template.EffectiveProgression() == templates.ProgressionManual {
		return Manual{}
	}
	return Automatic{}
}
