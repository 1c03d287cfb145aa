// Package model содержит доменные сущности сервиса спонсорской поддержки.
package model

import "time"

// Currency обозначает валюту денежных сумм. Спонсорские правила привязаны
// к валюте, автоматическая конвертация между валютами не выполняется.
type Currency string

const (
	CurrencyHUF Currency = "HUF"
	CurrencyEUR Currency = "EUR"
)

// Valid сообщает, поддерживается ли валюта системой.
func (c Currency) Valid() bool {
	return c == CurrencyHUF || c == CurrencyEUR
}

// MinorUnitDivisor возвращает количество минимальных единиц в одной основной
// единице валюты. У форинта минимальной единицы нет, у евро — центы.
func (c Currency) MinorUnitDivisor() int64 {
	if c == CurrencyEUR {
		return 100
	}
	return 1
}

// ToMajorUnits переводит сумму из минимальных единиц в основные для JSON-ответов.
func (c Currency) ToMajorUnits(v int64) float64 {
	return float64(v) / float64(c.MinorUnitDivisor())
}

// ToMinorUnits переводит сумму из основных единиц в минимальные для хранения.
func (c Currency) ToMinorUnits(v float64) int64 {
	d := float64(c.MinorUnitDivisor())
	if v >= 0 {
		return int64(v*d + 0.5)
	}
	return int64(v*d - 0.5)
}

// ScopeType описывает тип цели, к которой привязано спонсорское правило.
type ScopeType string

const (
	ScopeProgram  ScopeType = "program"
	ScopeEvent    ScopeType = "event"
	ScopeCreator  ScopeType = "creator"
	ScopeCategory ScopeType = "category"
)

// Valid сообщает, известен ли тип области действия.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeProgram, ScopeEvent, ScopeCreator, ScopeCategory:
		return true
	}
	return false
}

// Specificity возвращает вес типа области: чем точнее цель, тем выше вес.
// Правило уровня программы побеждает правило уровня категории.
func (s ScopeType) Specificity() int {
	switch s {
	case ScopeProgram:
		return 4
	case ScopeEvent:
		return 3
	case ScopeCreator:
		return 2
	case ScopeCategory:
		return 1
	}
	return 0
}

// ScopeRef указывает на конкретную цель правила: пару (тип, идентификатор).
type ScopeRef struct {
	Type ScopeType
	ID   string
}

// RuleStatus описывает статус спонсорского правила.
type RuleStatus string

const (
	RuleStatusActive RuleStatus = "active"
	RuleStatusPaused RuleStatus = "paused"
	RuleStatusEnded  RuleStatus = "ended"
)

// SupportRule представляет предложение спонсора субсидировать участие.
// Денежные суммы хранятся в минимальных единицах валюты правила.
type SupportRule struct {
	ID              string
	SponsorID       string
	ScopeType       ScopeType
	ScopeID         string
	Amount          int64
	Currency        Currency
	BudgetTotal     int64
	BudgetSpent     int64
	MaxParticipants *int
	StartAt         time.Time
	EndAt           *time.Time
	Status          RuleStatus
	CreatedAt       time.Time
}

// RuleUsage содержит срез потребления бюджета правила: сумму активных
// резервов и количество завершённых списаний. Просроченные резервы в
// ReservedAmount не входят.
type RuleUsage struct {
	ReservedAmount int64
	ReservedCount  int
	CapturedCount  int
}

// RuleWithUsage объединяет правило с его текущим потреблением.
type RuleWithUsage struct {
	Rule  SupportRule
	Usage RuleUsage
}

// RemainingBudget возвращает бюджет, доступный для новых резервов:
// общий бюджет за вычетом списанного и мягко зарезервированного.
func (r RuleWithUsage) RemainingBudget() int64 {
	return r.Rule.BudgetTotal - r.Rule.BudgetSpent - r.Usage.ReservedAmount
}

// AllocationStatus описывает статус заявки участника на поддержку.
type AllocationStatus string

const (
	AllocationStatusReserved AllocationStatus = "reserved"
	AllocationStatusCaptured AllocationStatus = "captured"
	AllocationStatusReleased AllocationStatus = "released"
)

// Allocation описывает заявку одного участника против правила.
// Amount копируется из правила в момент резервирования и больше не
// перечитывается: последующие правки правила не меняют уже выданную скидку.
type Allocation struct {
	ID         string
	RuleID     string
	SponsorID  string
	ProgramID  string
	UserID     string
	Amount     int64
	Currency   Currency
	Status     AllocationStatus
	CreatedAt  time.Time
	CapturedAt *time.Time
	ReleasedAt *time.Time
}

// SponsorProfile содержит отображаемые данные спонсора для бейджей.
type SponsorProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url"`
}
