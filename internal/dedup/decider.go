// Package dedup implements the ingestion-time duplicate detection engine.
package dedup

import (
	"github.com/actify/reportd/internal/scoring"
	"github.com/actify/reportd/pkg/models"
)

// Decision classifies a new report against the best-scoring candidate.
type Decision int

const (
	// DecisionNew persists the report with no link.
	DecisionNew Decision = iota
	// DecisionSoft persists the report with a duplicate_of link.
	DecisionSoft
	// DecisionHard rejects the report without persisting it.
	DecisionHard
)

func (d Decision) String() string {
	switch d {
	case DecisionSoft:
		return "soft_duplicate"
	case DecisionHard:
		return "hard_duplicate"
	default:
		return "new"
	}
}

// Match pairs a candidate with its score breakdown.
type Match struct {
	Candidate *models.Report
	Details   models.ScoreDetails
}

// Decider applies the hard/soft thresholds to the best match.
type Decider struct {
	hard float64
	soft float64
}

// NewDecider creates a decider with the given thresholds. hard must exceed soft.
func NewDecider(hard, soft float64) Decider {
	return Decider{hard: hard, soft: soft}
}

// Decide classifies the best match. A nil match (empty candidate set) is NEW
// by definition.
func (d Decider) Decide(best *Match) Decision {
	if best == nil {
		return DecisionNew
	}
	switch {
	case best.Details.OverallScore >= d.hard:
		return DecisionHard
	case best.Details.OverallScore >= d.soft:
		return DecisionSoft
	default:
		return DecisionNew
	}
}

// SelectBest returns the single best match under the selection rule: highest
// composite, then smaller geo distance, then earlier created_at. Returns nil
// for an empty set.
func SelectBest(matches []Match) *Match {
	var best *Match
	for i := range matches {
		m := &matches[i]
		if best == nil || scoring.Better(m.Details, m.Candidate, best.Details, best.Candidate) {
			best = m
		}
	}
	return best
}
