package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/sponsorship-system/internal/model"
)

func validRule() *model.SupportRule {
	return &model.SupportRule{
		SponsorID:   "sponsor-1",
		ScopeType:   model.ScopeProgram,
		ScopeID:     "p1",
		Amount:      1000,
		Currency:    model.CurrencyHUF,
		BudgetTotal: 10000,
		StartAt:     time.Now(),
	}
}

func TestValidateRule_OK(t *testing.T) {
	if err := ValidateRule(validRule()); err != nil {
		t.Fatalf("ValidateRule error: %v", err)
	}
}

func TestValidateRule_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.SupportRule)
	}{
		{"empty sponsor", func(r *model.SupportRule) { r.SponsorID = "" }},
		{"unknown scope type", func(r *model.SupportRule) { r.ScopeType = "city" }},
		{"empty scope id", func(r *model.SupportRule) { r.ScopeID = "" }},
		{"unknown currency", func(r *model.SupportRule) { r.Currency = "USD" }},
		{"zero amount", func(r *model.SupportRule) { r.Amount = 0 }},
		{"negative amount", func(r *model.SupportRule) { r.Amount = -5 }},
		{"budget below one participant", func(r *model.SupportRule) { r.BudgetTotal = 999 }},
		{"zero participant cap", func(r *model.SupportRule) { limit := 0; r.MaxParticipants = &limit }},
		{"end before start", func(r *model.SupportRule) {
			end := r.StartAt.Add(-time.Hour)
			r.EndAt = &end
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)

			err := ValidateRule(rule)
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}
