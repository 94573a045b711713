package detect

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/upcguard/internal/model"
)

func TestDefaultScoring_Bands(t *testing.T) {
	s := DefaultScoring()
	require.NoError(t, s.Validate())

	cases := []struct {
		size int
		sev  model.Severity
		pri  model.Priority
		cost string
	}{
		{2, model.SeverityLow, model.PriorityLow, "50"},
		{3, model.SeverityMedium, model.PriorityMedium, "75"},
		{4, model.SeverityMedium, model.PriorityMedium, "100"},
		{5, model.SeverityHigh, model.PriorityHigh, "125"},
		{9, model.SeverityHigh, model.PriorityHigh, "225"},
		{10, model.SeverityCritical, model.PriorityUrgent, "250"},
		{37, model.SeverityCritical, model.PriorityUrgent, "925"},
	}
	for _, tc := range cases {
		sev, pri, cost := s.Score(tc.size)
		assert.Equal(t, tc.sev, sev, "size %d", tc.size)
		assert.Equal(t, tc.pri, pri, "size %d", tc.size)
		assert.True(t, cost.Equal(decimal.RequireFromString(tc.cost)), "size %d: got %s", tc.size, cost)
	}
}

func TestScoring_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scoring Scoring
		wantErr error
	}{
		{
			name:    "no bands",
			scoring: Scoring{UnitImpact: decimal.NewFromInt(25)},
			wantErr: errNoBands,
		},
		{
			name: "unsorted sizes",
			scoring: Scoring{
				Bands: []Band{
					{MinGroupSize: 5, Severity: model.SeverityLow, Priority: model.PriorityLow},
					{MinGroupSize: 2, Severity: model.SeverityHigh, Priority: model.PriorityHigh},
				},
				UnitImpact: decimal.NewFromInt(25),
			},
			wantErr: errBandOrder,
		},
		{
			name: "unknown severity",
			scoring: Scoring{
				Bands:      []Band{{MinGroupSize: 2, Severity: "catastrophic", Priority: model.PriorityLow}},
				UnitImpact: decimal.NewFromInt(25),
			},
			wantErr: errBandSeverity,
		},
		{
			name: "decreasing severity",
			scoring: Scoring{
				Bands: []Band{
					{MinGroupSize: 2, Severity: model.SeverityHigh, Priority: model.PriorityHigh},
					{MinGroupSize: 5, Severity: model.SeverityLow, Priority: model.PriorityLow},
				},
				UnitImpact: decimal.NewFromInt(25),
			},
			wantErr: errBandMonotonic,
		},
		{
			name: "negative unit impact",
			scoring: Scoring{
				Bands:      []Band{{MinGroupSize: 2, Severity: model.SeverityLow, Priority: model.PriorityLow}},
				UnitImpact: decimal.NewFromInt(-1),
			},
			wantErr: errNegativeImpact,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.scoring.Validate(), tt.wantErr)
		})
	}
}

func TestScoring_ClampsBelowLowestBand(t *testing.T) {
	s := DefaultScoring()
	sev, pri, _ := s.Score(1)
	assert.Equal(t, model.SeverityLow, sev)
	assert.Equal(t, model.PriorityLow, pri)
}
