package resolver

import (
	"testing"
	"time"

	"github.com/mmeshcher/sponsorship-system/internal/model"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func activeRule(id string, scopeType model.ScopeType, scopeID string) model.SupportRule {
	return model.SupportRule{
		ID:          id,
		SponsorID:   "sponsor-1",
		ScopeType:   scopeType,
		ScopeID:     scopeID,
		Amount:      1000,
		Currency:    model.CurrencyHUF,
		BudgetTotal: 100000,
		StartAt:     testNow.Add(-24 * time.Hour),
		Status:      model.RuleStatusActive,
		CreatedAt:   testNow.Add(-24 * time.Hour),
	}
}

func TestEligible_BudgetShortOfOneParticipant(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	rule.BudgetTotal = 10000
	rule.BudgetSpent = 9500
	rule.Amount = 1000

	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule}) {
		t.Fatalf("rule with 500 remaining and amount 1000 must not be eligible")
	}
}

func TestEligible_EndedWindow(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	ended := testNow.Add(-24 * time.Hour)
	rule.EndAt = &ended

	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule}) {
		t.Fatalf("rule with end_at in the past must not be eligible even with full budget")
	}
}

func TestEligible_NotStartedYet(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	rule.StartAt = testNow.Add(time.Hour)

	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule}) {
		t.Fatalf("rule with start_at in the future must not be eligible")
	}
}

func TestEligible_CurrencyMismatch(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	rule.Currency = model.CurrencyEUR

	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule}) {
		t.Fatalf("EUR rule must not match a HUF program")
	}
}

func TestEligible_PausedRule(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	rule.Status = model.RuleStatusPaused

	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule}) {
		t.Fatalf("paused rule must not be eligible")
	}
}

func TestEligible_ReservedBudgetCounts(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	rule.BudgetTotal = 3000
	rule.BudgetSpent = 1000
	rule.Amount = 1000

	usage := model.RuleUsage{ReservedAmount: 1500, ReservedCount: 2}
	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule, Usage: usage}) {
		t.Fatalf("soft-committed reservations must count against available budget")
	}
}

func TestEligible_ParticipantLimit(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "p1")
	limit := 3
	rule.MaxParticipants = &limit

	usage := model.RuleUsage{CapturedCount: 2, ReservedCount: 1}
	if Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule, Usage: usage}) {
		t.Fatalf("captured + reserved at the limit must not be eligible")
	}

	usage = model.RuleUsage{CapturedCount: 2}
	if !Eligible(testNow, model.CurrencyHUF, model.RuleWithUsage{Rule: rule, Usage: usage}) {
		t.Fatalf("one slot below the limit must be eligible")
	}
}

func TestResolve_NoCandidates(t *testing.T) {
	scope := Scope{ProgramID: "p1"}
	if got := Resolve(testNow, model.CurrencyHUF, scope, nil); got != nil {
		t.Fatalf("expected nil for empty candidate list, got %+v", got)
	}
}

func TestResolve_ScopeSpecificityWins(t *testing.T) {
	categoryRule := activeRule("r-category", model.ScopeCategory, "c1")
	categoryRule.Amount = 5000

	programRule := activeRule("r-program", model.ScopeProgram, "p1")
	programRule.Amount = 1000

	scope := Scope{ProgramID: "p1", CategoryID: "c1"}
	got := Resolve(testNow, model.CurrencyHUF, scope, []model.RuleWithUsage{
		{Rule: categoryRule},
		{Rule: programRule},
	})

	if got == nil || got.Rule.ID != "r-program" {
		t.Fatalf("program-level rule must beat category-level rule, got %+v", got)
	}
}

func TestResolve_RemainingBudgetTieBreak(t *testing.T) {
	small := activeRule("r-small", model.ScopeProgram, "p1")
	small.BudgetTotal = 10000
	small.BudgetSpent = 8000

	big := activeRule("r-big", model.ScopeProgram, "p1")
	big.BudgetTotal = 10000

	scope := Scope{ProgramID: "p1"}
	got := Resolve(testNow, model.CurrencyHUF, scope, []model.RuleWithUsage{
		{Rule: small},
		{Rule: big},
	})

	if got == nil || got.Rule.ID != "r-big" {
		t.Fatalf("rule with larger remaining budget must win, got %+v", got)
	}
}

func TestResolve_CreatedAtTieBreak(t *testing.T) {
	older := activeRule("r-older", model.ScopeProgram, "p1")
	older.CreatedAt = testNow.Add(-48 * time.Hour)

	newer := activeRule("r-newer", model.ScopeProgram, "p1")

	scope := Scope{ProgramID: "p1"}
	got := Resolve(testNow, model.CurrencyHUF, scope, []model.RuleWithUsage{
		{Rule: newer},
		{Rule: older},
	})

	if got == nil || got.Rule.ID != "r-older" {
		t.Fatalf("earlier created rule must win the tie, got %+v", got)
	}
}

func TestResolve_IgnoresForeignScope(t *testing.T) {
	rule := activeRule("r1", model.ScopeProgram, "other-program")

	scope := Scope{ProgramID: "p1"}
	if got := Resolve(testNow, model.CurrencyHUF, scope, []model.RuleWithUsage{{Rule: rule}}); got != nil {
		t.Fatalf("rule for another program must not match, got %+v", got)
	}
}

func TestResolveBatch(t *testing.T) {
	sponsored := activeRule("r1", model.ScopeProgram, "p1")
	candidates := []model.RuleWithUsage{{Rule: sponsored}}

	items := []BatchItem{
		{Scope: Scope{ProgramID: "p1"}, Currency: model.CurrencyHUF},
		{Scope: Scope{ProgramID: "p2"}, Currency: model.CurrencyHUF},
		{Scope: Scope{ProgramID: "p3"}, Currency: model.CurrencyEUR},
	}

	res := ResolveBatch(testNow, items, candidates)

	if len(res) != 1 {
		t.Fatalf("expected exactly one resolution, got %d", len(res))
	}
	if got, ok := res["p1"]; !ok || got.Rule.ID != "r1" {
		t.Fatalf("p1 must resolve to r1, got %+v", res)
	}
}
