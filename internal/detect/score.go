package detect

import (
	"github.com/shopspring/decimal"

	"github.com/shelfsight/upcguard/internal/model"
)

// Band maps a minimum group size to a severity/priority pair. Bands must be
// sorted ascending by MinGroupSize and monotonic in severity.
type Band struct {
	MinGroupSize int            `yaml:"min_group_size" mapstructure:"min_group_size"`
	Severity     model.Severity `yaml:"severity" mapstructure:"severity"`
	Priority     model.Priority `yaml:"priority" mapstructure:"priority"`
}

// Scoring holds the banding policy and the per-entity cost constant. The
// thresholds are a policy choice, not derived from real pricing.
type Scoring struct {
	Bands      []Band          `yaml:"bands" mapstructure:"bands"`
	UnitImpact decimal.Decimal `yaml:"unit_impact" mapstructure:"unit_impact"`
}

// DefaultScoring returns the stock banding: 2 entities is LOW/LOW, 3-4
// MEDIUM/MEDIUM, 5-9 HIGH/HIGH, 10+ CRITICAL/URGENT, at 25.00 per entity.
func DefaultScoring() Scoring {
	return Scoring{
		Bands: []Band{
			{MinGroupSize: 2, Severity: model.SeverityLow, Priority: model.PriorityLow},
			{MinGroupSize: 3, Severity: model.SeverityMedium, Priority: model.PriorityMedium},
			{MinGroupSize: 5, Severity: model.SeverityHigh, Priority: model.PriorityHigh},
			{MinGroupSize: 10, Severity: model.SeverityCritical, Priority: model.PriorityUrgent},
		},
		UnitImpact: decimal.NewFromInt(25),
	}
}

// severityRank orders severities LOW < MEDIUM < HIGH < CRITICAL.
var severityRank = map[model.Severity]int{
	model.SeverityLow:      0,
	model.SeverityMedium:   1,
	model.SeverityHigh:     2,
	model.SeverityCritical: 3,
}

// Validate checks that the bands are ascending in group size and monotonic
// in severity, so scoring can never decrease as a group grows.
func (s Scoring) Validate() error {
	if len(s.Bands) == 0 {
		return errNoBands
	}
	prevSize := 0
	prevRank := -1
	for _, b := range s.Bands {
		if b.MinGroupSize <= prevSize {
			return errBandOrder
		}
		rank, ok := severityRank[b.Severity]
		if !ok {
			return errBandSeverity
		}
		if rank < prevRank {
			return errBandMonotonic
		}
		prevSize = b.MinGroupSize
		prevRank = rank
	}
	if s.UnitImpact.IsNegative() {
		return errNegativeImpact
	}
	return nil
}

// Score returns severity, priority and cost impact for a conflict group of
// the given size. groupSize is clamped to the lowest band if it falls below
// every threshold.
func (s Scoring) Score(groupSize int) (model.Severity, model.Priority, decimal.Decimal) {
	sev := s.Bands[0].Severity
	pri := s.Bands[0].Priority
	for _, b := range s.Bands {
		if groupSize >= b.MinGroupSize {
			sev = b.Severity
			pri = b.Priority
		}
	}
	impact := s.UnitImpact.Mul(decimal.NewFromInt(int64(groupSize)))
	return sev, pri, impact
}
