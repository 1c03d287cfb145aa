// Package handler содержит HTTP-обработчики API сервиса спонсорской поддержки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/sponsorship-system/internal/model"
	"github.com/mmeshcher/sponsorship-system/internal/pricing"
	"github.com/mmeshcher/sponsorship-system/internal/repository"
	"github.com/mmeshcher/sponsorship-system/internal/service"
	"github.com/mmeshcher/sponsorship-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateRule(ctx context.Context, rule *model.SupportRule) error
	GetRule(ctx context.Context, ruleID string) (*model.RuleWithUsage, error)
	PauseRule(ctx context.Context, ruleID string) error
	ResumeRule(ctx context.Context, ruleID string) error
	EndRule(ctx context.Context, ruleID string) error
	Quote(ctx context.Context, req service.QuoteRequest) (*service.Quote, error)
	QuoteBatch(ctx context.Context, reqs []service.QuoteRequest) (map[string]*service.Quote, error)
	Reserve(ctx context.Context, ruleID, programID, userID string) (*model.Allocation, error)
	Capture(ctx context.Context, allocationID string) (*model.Allocation, error)
	Release(ctx context.Context, allocationID string) (*model.Allocation, error)
	GetAllocation(ctx context.Context, allocationID string) (*model.Allocation, error)
}

// Handler реализует HTTP-обработчики API сервиса спонсорской поддержки.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, statusCode int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeServiceError переводит доменные ошибки в HTTP-статусы. Конфликтные
// ответы несут машиночитаемый код, чтобы фронтенд отличал «предложение
// только что закончилось» от прочих конфликтов.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, validation.ErrInvalidRule),
		errors.Is(err, pricing.ErrNegativeAmount),
		errors.Is(err, pricing.ErrInvalidFeePercent):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, repository.ErrRuleNotFound),
		errors.Is(err, repository.ErrAllocationNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, repository.ErrAllocationExists):
		writeError(w, http.StatusConflict, "allocation_exists")
	case errors.Is(err, repository.ErrAllocationConflict):
		writeError(w, http.StatusConflict, "allocation_conflict")
	case errors.Is(err, repository.ErrReservationExpired):
		writeError(w, http.StatusConflict, "reservation_expired")
	case errors.Is(err, repository.ErrBudgetExceeded):
		writeError(w, http.StatusConflict, "budget_exhausted")
	case errors.Is(err, repository.ErrParticipantLimit):
		writeError(w, http.StatusConflict, "participant_limit")
	case errors.Is(err, repository.ErrRuleNotActive):
		writeError(w, http.StatusConflict, "rule_not_active")
	case errors.Is(err, repository.ErrRuleStatusConflict):
		writeError(w, http.StatusConflict, "rule_status_conflict")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		h.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

type createRuleRequest struct {
	SponsorID       string  `json:"sponsor_id"`
	ScopeType       string  `json:"scope_type"`
	ScopeID         string  `json:"scope_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	BudgetTotal     float64 `json:"budget_total"`
	MaxParticipants *int    `json:"max_participants,omitempty"`
	StartAt         string  `json:"start_at,omitempty"`
	EndAt           string  `json:"end_at,omitempty"`
}

type ruleResponse struct {
	ID              string  `json:"id"`
	SponsorID       string  `json:"sponsor_id"`
	ScopeType       string  `json:"scope_type"`
	ScopeID         string  `json:"scope_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	BudgetTotal     float64 `json:"budget_total"`
	BudgetSpent     float64 `json:"budget_spent"`
	BudgetReserved  float64 `json:"budget_reserved"`
	RemainingBudget float64 `json:"remaining_budget"`
	CapturedCount   int     `json:"captured_count"`
	MaxParticipants *int    `json:"max_participants,omitempty"`
	StartAt         string  `json:"start_at"`
	EndAt           *string `json:"end_at,omitempty"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
}

func newRuleResponse(r model.RuleWithUsage) ruleResponse {
	cur := r.Rule.Currency

	resp := ruleResponse{
		ID:              r.Rule.ID,
		SponsorID:       r.Rule.SponsorID,
		ScopeType:       string(r.Rule.ScopeType),
		ScopeID:         r.Rule.ScopeID,
		Amount:          cur.ToMajorUnits(r.Rule.Amount),
		Currency:        string(cur),
		BudgetTotal:     cur.ToMajorUnits(r.Rule.BudgetTotal),
		BudgetSpent:     cur.ToMajorUnits(r.Rule.BudgetSpent),
		BudgetReserved:  cur.ToMajorUnits(r.Usage.ReservedAmount),
		RemainingBudget: cur.ToMajorUnits(r.RemainingBudget()),
		CapturedCount:   r.Usage.CapturedCount,
		MaxParticipants: r.Rule.MaxParticipants,
		StartAt:         r.Rule.StartAt.Format(time.RFC3339),
		Status:          string(r.Rule.Status),
		CreatedAt:       r.Rule.CreatedAt.Format(time.RFC3339),
	}
	if r.Rule.EndAt != nil {
		v := r.Rule.EndAt.Format(time.RFC3339)
		resp.EndAt = &v
	}

	return resp
}

// CreateRule регистрирует новое спонсорское правило.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	cur := model.Currency(req.Currency)

	rule := &model.SupportRule{
		SponsorID:       req.SponsorID,
		ScopeType:       model.ScopeType(req.ScopeType),
		ScopeID:         req.ScopeID,
		Amount:          cur.ToMinorUnits(req.Amount),
		Currency:        cur,
		BudgetTotal:     cur.ToMinorUnits(req.BudgetTotal),
		MaxParticipants: req.MaxParticipants,
	}

	if req.StartAt != "" {
		startAt, err := time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		rule.StartAt = startAt
	}
	if req.EndAt != "" {
		endAt, err := time.Parse(time.RFC3339, req.EndAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		rule.EndAt = &endAt
	}

	if err := h.service.CreateRule(r.Context(), rule); err != nil {
		h.writeServiceError(w, err, "create rule error")
		return
	}

	writeJSON(w, http.StatusCreated, newRuleResponse(model.RuleWithUsage{Rule: *rule}))
}

// GetRule возвращает правило с текущим потреблением бюджета.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")

	rule, err := h.service.GetRule(r.Context(), ruleID)
	if err != nil {
		h.writeServiceError(w, err, "get rule error")
		return
	}

	writeJSON(w, http.StatusOK, newRuleResponse(*rule))
}

func (h *Handler) updateRuleStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, msg string) {
	ruleID := chi.URLParam(r, "ruleID")

	if err := fn(r.Context(), ruleID); err != nil {
		h.writeServiceError(w, err, msg)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PauseRule приостанавливает правило.
func (h *Handler) PauseRule(w http.ResponseWriter, r *http.Request) {
	h.updateRuleStatus(w, r, h.service.PauseRule, "pause rule error")
}

// ResumeRule возобновляет приостановленное правило.
func (h *Handler) ResumeRule(w http.ResponseWriter, r *http.Request) {
	h.updateRuleStatus(w, r, h.service.ResumeRule, "resume rule error")
}

// EndRule завершает правило.
func (h *Handler) EndRule(w http.ResponseWriter, r *http.Request) {
	h.updateRuleStatus(w, r, h.service.EndRule, "end rule error")
}

type quoteRequest struct {
	ProgramID  string  `json:"program_id"`
	BasePrice  float64 `json:"base_price"`
	Currency   string  `json:"currency"`
	CategoryID string  `json:"category_id,omitempty"`
	CreatorID  string  `json:"creator_id,omitempty"`
	EventID    string  `json:"event_id,omitempty"`
}

func (q quoteRequest) toServiceRequest() service.QuoteRequest {
	cur := model.Currency(q.Currency)
	return service.QuoteRequest{
		ProgramID:  q.ProgramID,
		BasePrice:  cur.ToMinorUnits(q.BasePrice),
		Currency:   cur,
		CategoryID: q.CategoryID,
		CreatorID:  q.CreatorID,
		EventID:    q.EventID,
	}
}

type quoteResponse struct {
	ProgramID        string                `json:"program_id"`
	Currency         string                `json:"currency"`
	BasePrice        float64               `json:"base_price"`
	SponsorAmount    float64               `json:"sponsor_amount"`
	UserPays         float64               `json:"user_pays"`
	PlatformFee      float64               `json:"platform_fee"`
	CreatorEarning   float64               `json:"creator_earning"`
	IsFree           bool                  `json:"is_free"`
	IsSponsored      bool                  `json:"is_sponsored"`
	IsFullySponsored bool                  `json:"is_fully_sponsored"`
	RuleID           string                `json:"rule_id,omitempty"`
	Sponsor          *model.SponsorProfile `json:"sponsor,omitempty"`
}

func newQuoteResponse(q *service.Quote) quoteResponse {
	cur := q.Currency
	return quoteResponse{
		ProgramID:        q.ProgramID,
		Currency:         string(cur),
		BasePrice:        cur.ToMajorUnits(q.Breakdown.BasePrice),
		SponsorAmount:    cur.ToMajorUnits(q.Breakdown.SponsorAmount),
		UserPays:         cur.ToMajorUnits(q.Breakdown.UserPays),
		PlatformFee:      cur.ToMajorUnits(q.Breakdown.PlatformFee),
		CreatorEarning:   cur.ToMajorUnits(q.Breakdown.CreatorEarning),
		IsFree:           q.Breakdown.IsFree,
		IsSponsored:      q.Breakdown.IsSponsored,
		IsFullySponsored: q.Breakdown.IsFullySponsored,
		RuleID:           q.RuleID,
		Sponsor:          q.Sponsor,
	}
}

// Quote рассчитывает разбивку цены одной программы.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	quote, err := h.service.Quote(r.Context(), req.toServiceRequest())
	if err != nil {
		h.writeServiceError(w, err, "quote error")
		return
	}

	writeJSON(w, http.StatusOK, newQuoteResponse(quote))
}

type quoteBatchRequest struct {
	Items []quoteRequest `json:"items"`
}

type quoteBatchResponse struct {
	Results map[string]quoteResponse `json:"results"`
}

// QuoteBatch рассчитывает цены для списка программ одним запросом.
func (h *Handler) QuoteBatch(w http.ResponseWriter, r *http.Request) {
	var req quoteBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	reqs := make([]service.QuoteRequest, 0, len(req.Items))
	for _, item := range req.Items {
		reqs = append(reqs, item.toServiceRequest())
	}

	quotes, err := h.service.QuoteBatch(r.Context(), reqs)
	if err != nil {
		h.writeServiceError(w, err, "quote batch error")
		return
	}

	resp := quoteBatchResponse{Results: make(map[string]quoteResponse, len(quotes))}
	for programID, quote := range quotes {
		resp.Results[programID] = newQuoteResponse(quote)
	}

	writeJSON(w, http.StatusOK, resp)
}

type reserveRequest struct {
	RuleID    string `json:"rule_id"`
	ProgramID string `json:"program_id"`
	UserID    string `json:"user_id"`
}

type allocationResponse struct {
	ID         string  `json:"id"`
	RuleID     string  `json:"rule_id"`
	SponsorID  string  `json:"sponsor_id"`
	ProgramID  string  `json:"program_id"`
	UserID     string  `json:"user_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	CapturedAt *string `json:"captured_at,omitempty"`
	ReleasedAt *string `json:"released_at,omitempty"`
}

func newAllocationResponse(a *model.Allocation) allocationResponse {
	resp := allocationResponse{
		ID:        a.ID,
		RuleID:    a.RuleID,
		SponsorID: a.SponsorID,
		ProgramID: a.ProgramID,
		UserID:    a.UserID,
		Amount:    a.Currency.ToMajorUnits(a.Amount),
		Currency:  string(a.Currency),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
	if a.CapturedAt != nil {
		v := a.CapturedAt.Format(time.RFC3339)
		resp.CapturedAt = &v
	}
	if a.ReleasedAt != nil {
		v := a.ReleasedAt.Format(time.RFC3339)
		resp.ReleasedAt = &v
	}

	return resp
}

// Reserve создаёт резерв поддержки для участника.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	alloc, err := h.service.Reserve(r.Context(), req.RuleID, req.ProgramID, req.UserID)
	if err != nil {
		h.writeServiceError(w, err, "reserve error")
		return
	}

	writeJSON(w, http.StatusCreated, newAllocationResponse(alloc))
}

// Capture подтверждает резерв.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	allocationID := chi.URLParam(r, "allocationID")

	alloc, err := h.service.Capture(r.Context(), allocationID)
	if err != nil {
		h.writeServiceError(w, err, "capture error")
		return
	}

	writeJSON(w, http.StatusOK, newAllocationResponse(alloc))
}

// Release освобождает резерв или выполняет административный возврат.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	allocationID := chi.URLParam(r, "allocationID")

	alloc, err := h.service.Release(r.Context(), allocationID)
	if err != nil {
		h.writeServiceError(w, err, "release error")
		return
	}

	writeJSON(w, http.StatusOK, newAllocationResponse(alloc))
}

// GetAllocation возвращает заявку по идентификатору.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	allocationID := chi.URLParam(r, "allocationID")

	alloc, err := h.service.GetAllocation(r.Context(), allocationID)
	if err != nil {
		h.writeServiceError(w, err, "get allocation error")
		return
	}

	writeJSON(w, http.StatusOK, newAllocationResponse(alloc))
}
