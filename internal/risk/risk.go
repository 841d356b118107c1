// Package risk scores change requests by blast radius.
//
// The score is a weighted sum over the touched set, its transitive
// dependents, and the highest criticality tag involved. Weights and level
// thresholds come from warren.yml; nothing here is hard-coded so teams can
// tune what counts as HIGH for their graph.
package risk

import (
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// Assessor computes risk scores for change sets against a canonical graph.
type Assessor struct {
	weights    config.RiskWeights
	thresholds config.RiskThresholds
}

// NewAssessor creates an assessor from configuration.
func NewAssessor(cfg config.RiskConfig) *Assessor {
	return &Assessor{
		weights:    cfg.Weights,
		thresholds: cfg.Thresholds,
	}
}

// Score computes the risk of applying a change set to the given graph.
//
//	score = wTouched*|touched| + wDependents*|dependents| + wCriticality*maxCrit
//
// Dependents are transitive and exclude the touched set itself, so a change
// is not penalised twice for the same entity.
func (a *Assessor) Score(cs specgraph.ChangeSet, g *specgraph.Graph) *canon.RiskScore {
	touched := cs.TouchedIDs()
	dependents := g.DependentsOf(touched)
	maxCrit := maxCriticality(cs, g)

	score := a.weights.Touched*float64(len(touched)) +
		a.weights.Dependents*float64(len(dependents)) +
		a.weights.Criticality*float64(maxCrit.Weight())

	return &canon.RiskScore{
		Score:          score,
		Level:          a.level(score),
		Touched:        len(touched),
		Dependents:     len(dependents),
		MaxCriticality: maxCrit,
	}
}

func (a *Assessor) level(score float64) canon.RiskLevel {
	switch {
	case score < a.thresholds.Medium:
		return canon.RiskLow
	case score < a.thresholds.High:
		return canon.RiskMedium
	case score < a.thresholds.Critical:
		return canon.RiskHigh
	default:
		return canon.RiskCritical
	}
}

// maxCriticality considers both the current graph entity and the incoming
// payload for every change, so raising an entity's criticality in the same
// change set that modifies it already counts.
func maxCriticality(cs specgraph.ChangeSet, g *specgraph.Graph) specgraph.Criticality {
	max := specgraph.CriticalityLow
	for _, ch := range cs {
		if existing, ok := g.Entity(ch.EntityID); ok {
			max = max.Max(existing.Tags.Criticality)
		}
		if ch.Entity != nil {
			max = max.Max(ch.Entity.Tags.Criticality)
		}
	}
	return max
}
