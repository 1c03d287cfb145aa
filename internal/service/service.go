// Package service реализует бизнес-логику сервиса спонсорской поддержки.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/sponsorship-system/internal/model"
	"github.com/mmeshcher/sponsorship-system/internal/pricing"
	"github.com/mmeshcher/sponsorship-system/internal/repository"
	"github.com/mmeshcher/sponsorship-system/internal/resolver"
	"github.com/mmeshcher/sponsorship-system/internal/validation"
)

// ErrInvalidRequest возвращается при некорректных параметрах запроса.
var ErrInvalidRequest = errors.New("invalid request")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateRule(ctx context.Context, rule *model.SupportRule) error
	GetRule(ctx context.Context, ruleID string) (*model.RuleWithUsage, error)
	UpdateRuleStatus(ctx context.Context, ruleID string, from []model.RuleStatus, to model.RuleStatus) error
	ListActiveRules(ctx context.Context, refs []model.ScopeRef, currency model.Currency) ([]model.RuleWithUsage, error)
	ReserveAllocation(ctx context.Context, ruleID, programID, userID string) (*model.Allocation, error)
	CaptureAllocation(ctx context.Context, allocationID string) (*model.Allocation, error)
	ReleaseAllocation(ctx context.Context, allocationID string) (*model.Allocation, error)
	GetAllocation(ctx context.Context, allocationID string) (*model.Allocation, error)
	ReleaseExpiredReservations(ctx context.Context) (int64, error)
}

// SponsorDirectory описывает контракт каталога спонсоров.
type SponsorDirectory interface {
	GetProfile(ctx context.Context, sponsorID string) (*model.SponsorProfile, error)
}

// Service содержит бизнес-логику сервиса спонсорской поддержки.
type Service struct {
	repo       Repository
	directory  SponsorDirectory
	feePercent int
}

// NewService создаёт новый сервис с указанным репозиторием и каталогом спонсоров.
// directory может быть nil — тогда бейджи содержат только идентификатор спонсора.
func NewService(repo Repository, directory SponsorDirectory, feePercent int) *Service {
	return &Service{
		repo:       repo,
		directory:  directory,
		feePercent: feePercent,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateRule регистрирует новое спонсорское правило.
func (s *Service) CreateRule(ctx context.Context, rule *model.SupportRule) error {
	rule.ID = uuid.NewString()
	rule.Status = model.RuleStatusActive
	if rule.StartAt.IsZero() {
		rule.StartAt = time.Now()
	}

	if err := validation.ValidateRule(rule); err != nil {
		return err
	}

	return s.repo.CreateRule(ctx, rule)
}

// GetRule возвращает правило с текущим потреблением бюджета.
func (s *Service) GetRule(ctx context.Context, ruleID string) (*model.RuleWithUsage, error) {
	return s.repo.GetRule(ctx, ruleID)
}

// PauseRule приостанавливает активное правило.
func (s *Service) PauseRule(ctx context.Context, ruleID string) error {
	return s.repo.UpdateRuleStatus(ctx, ruleID,
		[]model.RuleStatus{model.RuleStatusActive}, model.RuleStatusPaused)
}

// ResumeRule возобновляет приостановленное правило. Завершённое правило
// возобновить нельзя.
func (s *Service) ResumeRule(ctx context.Context, ruleID string) error {
	return s.repo.UpdateRuleStatus(ctx, ruleID,
		[]model.RuleStatus{model.RuleStatusPaused}, model.RuleStatusActive)
}

// EndRule завершает правило. Завершённые правила остаются в хранилище для
// исторической отчётности и не удаляются.
func (s *Service) EndRule(ctx context.Context, ruleID string) error {
	return s.repo.UpdateRuleStatus(ctx, ruleID,
		[]model.RuleStatus{model.RuleStatusActive, model.RuleStatusPaused}, model.RuleStatusEnded)
}

// QuoteRequest описывает запрос расчёта цены одной программы.
// Суммы — в минимальных единицах валюты программы.
type QuoteRequest struct {
	ProgramID  string
	BasePrice  int64
	Currency   model.Currency
	CategoryID string
	CreatorID  string
	EventID    string
}

// Quote содержит результат расчёта: разбивку цены и данные спонсора, если
// программа субсидируется.
type Quote struct {
	ProgramID string
	Currency  model.Currency
	Breakdown pricing.Breakdown
	RuleID    string
	Sponsor   *model.SponsorProfile
}

func (s *Service) validateQuoteRequest(req QuoteRequest) error {
	if req.ProgramID == "" {
		return fmt.Errorf("%w: program id is required", ErrInvalidRequest)
	}
	if !req.Currency.Valid() {
		return fmt.Errorf("%w: unknown currency %q", ErrInvalidRequest, req.Currency)
	}
	return nil
}

func (s *Service) buildQuote(ctx context.Context, req QuoteRequest, scope resolver.Scope, candidates []model.RuleWithUsage) (*Quote, error) {
	best := resolver.Resolve(time.Now(), req.Currency, scope, candidates)

	var sponsorAmount int64
	if best != nil {
		sponsorAmount = best.Rule.Amount
	}

	breakdown, err := pricing.Calculate(req.BasePrice, sponsorAmount, s.feePercent)
	if err != nil {
		return nil, err
	}

	quote := &Quote{
		ProgramID: req.ProgramID,
		Currency:  req.Currency,
		Breakdown: breakdown,
	}
	if best != nil {
		quote.RuleID = best.Rule.ID
		quote.Sponsor = s.sponsorProfile(ctx, best.Rule.SponsorID)
	}

	return quote, nil
}

// sponsorProfile запрашивает профиль спонсора в каталоге. Профиль —
// декоративные данные, поэтому сбой каталога деградирует до бейджа с одним
// идентификатором, а не роняет расчёт цены.
func (s *Service) sponsorProfile(ctx context.Context, sponsorID string) *model.SponsorProfile {
	if s.directory == nil {
		return &model.SponsorProfile{ID: sponsorID}
	}

	profile, err := s.directory.GetProfile(ctx, sponsorID)
	if err != nil || profile == nil {
		return &model.SponsorProfile{ID: sponsorID}
	}

	return profile
}

// Quote рассчитывает разбивку цены программы с учётом лучшего подходящего
// спонсорского правила. Ошибка хранилища поднимается наверх как есть:
// неудавшаяся проверка применимости не равна подтверждённому «спонсора нет».
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := s.validateQuoteRequest(req); err != nil {
		return nil, err
	}

	scope := resolver.Scope{
		ProgramID:  req.ProgramID,
		EventID:    req.EventID,
		CreatorID:  req.CreatorID,
		CategoryID: req.CategoryID,
	}

	candidates, err := s.repo.ListActiveRules(ctx, scope.Refs(), req.Currency)
	if err != nil {
		return nil, err
	}

	return s.buildQuote(ctx, req, scope, candidates)
}

// QuoteBatch рассчитывает цены для списка программ. Правила запрашиваются
// одним обращением к хранилищу на валюту, чтобы списочные страницы не
// порождали запрос на каждую карточку.
func (s *Service) QuoteBatch(ctx context.Context, reqs []QuoteRequest) (map[string]*Quote, error) {
	refsByCurrency := make(map[model.Currency][]model.ScopeRef)
	seen := make(map[model.Currency]map[model.ScopeRef]struct{})

	for _, req := range reqs {
		if err := s.validateQuoteRequest(req); err != nil {
			return nil, err
		}

		scope := resolver.Scope{
			ProgramID:  req.ProgramID,
			EventID:    req.EventID,
			CreatorID:  req.CreatorID,
			CategoryID: req.CategoryID,
		}

		if seen[req.Currency] == nil {
			seen[req.Currency] = make(map[model.ScopeRef]struct{})
		}
		for _, ref := range scope.Refs() {
			if _, ok := seen[req.Currency][ref]; ok {
				continue
			}
			seen[req.Currency][ref] = struct{}{}
			refsByCurrency[req.Currency] = append(refsByCurrency[req.Currency], ref)
		}
	}

	candidatesByCurrency := make(map[model.Currency][]model.RuleWithUsage, len(refsByCurrency))
	for currency, refs := range refsByCurrency {
		candidates, err := s.repo.ListActiveRules(ctx, refs, currency)
		if err != nil {
			return nil, err
		}
		candidatesByCurrency[currency] = candidates
	}

	res := make(map[string]*Quote, len(reqs))
	for _, req := range reqs {
		scope := resolver.Scope{
			ProgramID:  req.ProgramID,
			EventID:    req.EventID,
			CreatorID:  req.CreatorID,
			CategoryID: req.CategoryID,
		}

		quote, err := s.buildQuote(ctx, req, scope, candidatesByCurrency[req.Currency])
		if err != nil {
			return nil, err
		}
		res[req.ProgramID] = quote
	}

	return res, nil
}

// Reserve создаёт резерв поддержки для участника против правила.
func (s *Service) Reserve(ctx context.Context, ruleID, programID, userID string) (*model.Allocation, error) {
	if ruleID == "" || programID == "" || userID == "" {
		return nil, fmt.Errorf("%w: rule, program and user ids are required", ErrInvalidRequest)
	}

	return s.repo.ReserveAllocation(ctx, ruleID, programID, userID)
}

// Capture подтверждает резерв. Если к моменту подтверждения бюджет уже
// разобран (гонка проиграна другому участнику), резерв освобождается,
// а вызывающему возвращается исходная ошибка.
func (s *Service) Capture(ctx context.Context, allocationID string) (*model.Allocation, error) {
	alloc, err := s.repo.CaptureAllocation(ctx, allocationID)
	if err != nil {
		if errors.Is(err, repository.ErrBudgetExceeded) || errors.Is(err, repository.ErrParticipantLimit) {
			_, _ = s.repo.ReleaseAllocation(ctx, allocationID)
		}
		return nil, err
	}

	return alloc, nil
}

// Release освобождает резерв или выполняет административный возврат
// подтверждённой заявки.
func (s *Service) Release(ctx context.Context, allocationID string) (*model.Allocation, error) {
	return s.repo.ReleaseAllocation(ctx, allocationID)
}

// GetAllocation возвращает заявку по идентификатору.
func (s *Service) GetAllocation(ctx context.Context, allocationID string) (*model.Allocation, error) {
	return s.repo.GetAllocation(ctx, allocationID)
}

// StartReservationSweeper запускает фоновую уборку просроченных резервов,
// чтобы брошенные заявки не копились в хранилище в живом виде.
func (s *Service) StartReservationSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.ReleaseExpiredReservations(ctx)
			}
		}
	}()
}
