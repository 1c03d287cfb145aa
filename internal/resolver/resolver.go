// Package resolver реализует подбор спонсорского правила для программы.
package resolver

import (
	"sort"
	"time"

	"github.com/mmeshcher/sponsorship-system/internal/model"
)

// Scope содержит идентификаторы программы и её связей, по которым
// может совпасть спонсорское правило.
type Scope struct {
	ProgramID  string
	EventID    string
	CreatorID  string
	CategoryID string
}

// Refs возвращает список целей, по которым нужно искать правила.
func (s Scope) Refs() []model.ScopeRef {
	refs := []model.ScopeRef{{Type: model.ScopeProgram, ID: s.ProgramID}}
	if s.EventID != "" {
		refs = append(refs, model.ScopeRef{Type: model.ScopeEvent, ID: s.EventID})
	}
	if s.CreatorID != "" {
		refs = append(refs, model.ScopeRef{Type: model.ScopeCreator, ID: s.CreatorID})
	}
	if s.CategoryID != "" {
		refs = append(refs, model.ScopeRef{Type: model.ScopeCategory, ID: s.CategoryID})
	}
	return refs
}

// Matches сообщает, попадает ли программа в область действия правила.
func (s Scope) Matches(rule model.SupportRule) bool {
	for _, ref := range s.Refs() {
		if rule.ScopeType == ref.Type && rule.ScopeID == ref.ID {
			return true
		}
	}
	return false
}

// BatchItem описывает один элемент пакетного запроса: программу и её валюту.
type BatchItem struct {
	Scope    Scope
	Currency model.Currency
}

// Eligible проверяет предикат применимости правила. Все условия обязательны:
// правило активно, текущий момент внутри окна действия, валюта совпадает,
// остатка бюджета хватает хотя бы на одного участника, лимит участников не
// исчерпан. Резервы учитываются как мягко занятые: и в остатке бюджета,
// и в счётчике участников, чтобы два конкурентных резерва не прошли
// против последней единицы бюджета.
func Eligible(now time.Time, currency model.Currency, c model.RuleWithUsage) bool {
	rule := c.Rule

	if rule.Status != model.RuleStatusActive {
		return false
	}
	if now.Before(rule.StartAt) {
		return false
	}
	if rule.EndAt != nil && !now.Before(*rule.EndAt) {
		return false
	}
	if rule.Currency != currency {
		return false
	}
	if c.RemainingBudget() < rule.Amount {
		return false
	}
	if rule.MaxParticipants != nil && c.Usage.CapturedCount+c.Usage.ReservedCount >= *rule.MaxParticipants {
		return false
	}

	return true
}

// Resolve выбирает одно лучшее правило для программы или nil, если подходящих
// нет. Отсутствие правила — не ошибка: программа продаётся по полной цене.
//
// Порядок выбора детерминирован: сначала более специфичная область
// (программа > событие > автор > категория), затем больший остаток бюджета,
// затем более раннее время создания, затем идентификатор правила.
func Resolve(now time.Time, currency model.Currency, scope Scope, candidates []model.RuleWithUsage) *model.RuleWithUsage {
	eligible := make([]model.RuleWithUsage, 0, len(candidates))
	for _, c := range candidates {
		if !scope.Matches(c.Rule) {
			continue
		}
		if !Eligible(now, currency, c) {
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if sa, sb := a.Rule.ScopeType.Specificity(), b.Rule.ScopeType.Specificity(); sa != sb {
			return sa > sb
		}
		if ra, rb := a.RemainingBudget(), b.RemainingBudget(); ra != rb {
			return ra > rb
		}
		if !a.Rule.CreatedAt.Equal(b.Rule.CreatedAt) {
			return a.Rule.CreatedAt.Before(b.Rule.CreatedAt)
		}
		return a.Rule.ID < b.Rule.ID
	})

	best := eligible[0]
	return &best
}

// ResolveBatch выбирает правила сразу для нескольких программ. Кандидаты
// передаются одним срезом (одним запросом к хранилищу на все области),
// результат — отображение идентификатора программы на выбранное правило.
// Программы без подходящего правила в результат не попадают.
func ResolveBatch(now time.Time, items []BatchItem, candidates []model.RuleWithUsage) map[string]*model.RuleWithUsage {
	res := make(map[string]*model.RuleWithUsage, len(items))
	for _, item := range items {
		if best := Resolve(now, item.Currency, item.Scope, candidates); best != nil {
			res[item.Scope.ProgramID] = best
		}
	}
	return res
}
