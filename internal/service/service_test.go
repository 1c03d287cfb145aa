package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/sponsorship-system/internal/model"
	"github.com/mmeshcher/sponsorship-system/internal/repository"
	"github.com/mmeshcher/sponsorship-system/internal/validation"
)

type stubRepo struct {
	createRuleErr error
	createdRule   *model.SupportRule

	listRules    []model.RuleWithUsage
	listRulesErr error
	listCalls    int

	reserveAlloc *model.Allocation
	reserveErr   error

	captureAlloc *model.Allocation
	captureErr   error

	releaseAlloc  *model.Allocation
	releaseErr    error
	releaseCalled bool

	sweepCalled chan struct{}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateRule(ctx context.Context, rule *model.SupportRule) error {
	s.createdRule = rule
	return s.createRuleErr
}

func (s *stubRepo) GetRule(ctx context.Context, ruleID string) (*model.RuleWithUsage, error) {
	return nil, repository.ErrRuleNotFound
}

func (s *stubRepo) UpdateRuleStatus(ctx context.Context, ruleID string, from []model.RuleStatus, to model.RuleStatus) error {
	return nil
}

func (s *stubRepo) ListActiveRules(ctx context.Context, refs []model.ScopeRef, currency model.Currency) ([]model.RuleWithUsage, error) {
	s.listCalls++
	return s.listRules, s.listRulesErr
}

func (s *stubRepo) ReserveAllocation(ctx context.Context, ruleID, programID, userID string) (*model.Allocation, error) {
	return s.reserveAlloc, s.reserveErr
}

func (s *stubRepo) CaptureAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	return s.captureAlloc, s.captureErr
}

func (s *stubRepo) ReleaseAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	s.releaseCalled = true
	return s.releaseAlloc, s.releaseErr
}

func (s *stubRepo) GetAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	return nil, repository.ErrAllocationNotFound
}

func (s *stubRepo) ReleaseExpiredReservations(ctx context.Context) (int64, error) {
	if s.sweepCalled != nil {
		select {
		case s.sweepCalled <- struct{}{}:
		default:
		}
	}
	return 0, nil
}

type stubDirectory struct {
	profile *model.SponsorProfile
	err     error
}

func (s *stubDirectory) GetProfile(ctx context.Context, sponsorID string) (*model.SponsorProfile, error) {
	return s.profile, s.err
}

func testRuleWithUsage() model.RuleWithUsage {
	return model.RuleWithUsage{
		Rule: model.SupportRule{
			ID:          "rule-1",
			SponsorID:   "sponsor-1",
			ScopeType:   model.ScopeProgram,
			ScopeID:     "p1",
			Amount:      4000,
			Currency:    model.CurrencyHUF,
			BudgetTotal: 100000,
			StartAt:     time.Now().Add(-time.Hour),
			Status:      model.RuleStatusActive,
			CreatedAt:   time.Now().Add(-time.Hour),
		},
	}
}

func TestCreateRule_AssignsIDAndValidates(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 20)

	rule := &model.SupportRule{
		SponsorID:   "sponsor-1",
		ScopeType:   model.ScopeProgram,
		ScopeID:     "p1",
		Amount:      1000,
		Currency:    model.CurrencyHUF,
		BudgetTotal: 10000,
	}

	if err := svc.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("CreateRule error: %v", err)
	}
	if rule.ID == "" {
		t.Fatalf("rule id must be assigned")
	}
	if rule.Status != model.RuleStatusActive {
		t.Fatalf("new rule must be active, got %s", rule.Status)
	}
	if rule.StartAt.IsZero() {
		t.Fatalf("start time must default to now")
	}
}

func TestCreateRule_RejectsInvalid(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, 20)

	rule := &model.SupportRule{
		SponsorID:   "sponsor-1",
		ScopeType:   "city",
		ScopeID:     "p1",
		Amount:      1000,
		Currency:    model.CurrencyHUF,
		BudgetTotal: 10000,
	}

	err := svc.CreateRule(context.Background(), rule)
	if !errors.Is(err, validation.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestQuote_SponsoredProgram(t *testing.T) {
	repo := &stubRepo{listRules: []model.RuleWithUsage{testRuleWithUsage()}}
	directory := &stubDirectory{
		profile: &model.SponsorProfile{ID: "sponsor-1", Name: "Green Future Kft."},
	}
	svc := NewService(repo, directory, 20)

	quote, err := svc.Quote(context.Background(), QuoteRequest{
		ProgramID: "p1",
		BasePrice: 10000,
		Currency:  model.CurrencyHUF,
	})
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}

	if quote.RuleID != "rule-1" {
		t.Fatalf("rule id = %q, want rule-1", quote.RuleID)
	}
	if quote.Breakdown.UserPays != 6000 {
		t.Fatalf("user pays = %d, want 6000", quote.Breakdown.UserPays)
	}
	if quote.Breakdown.PlatformFee != 2000 || quote.Breakdown.CreatorEarning != 8000 {
		t.Fatalf("unexpected fee split: %+v", quote.Breakdown)
	}
	if quote.Sponsor == nil || quote.Sponsor.Name != "Green Future Kft." {
		t.Fatalf("unexpected sponsor: %+v", quote.Sponsor)
	}
}

func TestQuote_NoRuleMeansFullPrice(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, 20)

	quote, err := svc.Quote(context.Background(), QuoteRequest{
		ProgramID: "p1",
		BasePrice: 5000,
		Currency:  model.CurrencyHUF,
	})
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}

	if quote.Breakdown.IsSponsored {
		t.Fatalf("quote must not be sponsored without a rule")
	}
	if quote.Breakdown.UserPays != 5000 {
		t.Fatalf("user pays = %d, want 5000", quote.Breakdown.UserPays)
	}
	if quote.Sponsor != nil {
		t.Fatalf("sponsor badge must be absent, got %+v", quote.Sponsor)
	}
}

func TestQuote_StoreErrorPropagates(t *testing.T) {
	storeErr := errors.New("store unavailable")
	repo := &stubRepo{listRulesErr: storeErr}
	svc := NewService(repo, nil, 20)

	_, err := svc.Quote(context.Background(), QuoteRequest{
		ProgramID: "p1",
		BasePrice: 5000,
		Currency:  model.CurrencyHUF,
	})
	if !errors.Is(err, storeErr) {
		t.Fatalf("store error must propagate, got %v", err)
	}
}

func TestQuote_DirectoryFailureDegradesToIDBadge(t *testing.T) {
	repo := &stubRepo{listRules: []model.RuleWithUsage{testRuleWithUsage()}}
	directory := &stubDirectory{err: errors.New("directory down")}
	svc := NewService(repo, directory, 20)

	quote, err := svc.Quote(context.Background(), QuoteRequest{
		ProgramID: "p1",
		BasePrice: 10000,
		Currency:  model.CurrencyHUF,
	})
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}

	if quote.Sponsor == nil || quote.Sponsor.ID != "sponsor-1" || quote.Sponsor.Name != "" {
		t.Fatalf("expected id-only badge, got %+v", quote.Sponsor)
	}
}

func TestQuote_InvalidCurrency(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, 20)

	_, err := svc.Quote(context.Background(), QuoteRequest{
		ProgramID: "p1",
		BasePrice: 5000,
		Currency:  "USD",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestQuoteBatch_OneStoreCallPerCurrency(t *testing.T) {
	repo := &stubRepo{listRules: []model.RuleWithUsage{testRuleWithUsage()}}
	svc := NewService(repo, nil, 20)

	reqs := []QuoteRequest{
		{ProgramID: "p1", BasePrice: 10000, Currency: model.CurrencyHUF},
		{ProgramID: "p2", BasePrice: 3000, Currency: model.CurrencyHUF},
		{ProgramID: "p3", BasePrice: 2000, Currency: model.CurrencyHUF},
	}

	res, err := svc.QuoteBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("QuoteBatch error: %v", err)
	}

	if repo.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1", repo.listCalls)
	}
	if len(res) != 3 {
		t.Fatalf("results = %d, want 3", len(res))
	}
	if !res["p1"].Breakdown.IsSponsored {
		t.Fatalf("p1 must be sponsored")
	}
	if res["p2"].Breakdown.IsSponsored {
		t.Fatalf("p2 must not be sponsored, rule targets p1 only")
	}
}

func TestReserve_RequiresIdentifiers(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, 20)

	_, err := svc.Reserve(context.Background(), "rule-1", "", "user-1")
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCapture_LostRaceReleasesReservation(t *testing.T) {
	repo := &stubRepo{captureErr: repository.ErrBudgetExceeded}
	svc := NewService(repo, nil, 20)

	_, err := svc.Capture(context.Background(), "alloc-1")
	if !errors.Is(err, repository.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if !repo.releaseCalled {
		t.Fatalf("lost race must release the reservation")
	}
}

func TestCapture_ConflictDoesNotRelease(t *testing.T) {
	repo := &stubRepo{captureErr: repository.ErrAllocationConflict}
	svc := NewService(repo, nil, 20)

	_, err := svc.Capture(context.Background(), "alloc-1")
	if !errors.Is(err, repository.ErrAllocationConflict) {
		t.Fatalf("expected ErrAllocationConflict, got %v", err)
	}
	if repo.releaseCalled {
		t.Fatalf("terminal-state conflict must not trigger release")
	}
}

func TestStartReservationSweeper(t *testing.T) {
	repo := &stubRepo{sweepCalled: make(chan struct{}, 1)}
	svc := NewService(repo, nil, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartReservationSweeper(ctx, 10*time.Millisecond)

	select {
	case <-repo.sweepCalled:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not run")
	}
}
