// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/sponsorship-system/internal/model"
)

// ErrInvalidRule возвращается при некорректных параметрах спонсорского правила.
var ErrInvalidRule = errors.New("invalid support rule")

// ValidateRule проверяет параметры нового спонсорского правила перед сохранением.
func ValidateRule(rule *model.SupportRule) error {
	if rule.SponsorID == "" {
		return fmt.Errorf("%w: sponsor id is required", ErrInvalidRule)
	}
	if !rule.ScopeType.Valid() {
		return fmt.Errorf("%w: unknown scope type %q", ErrInvalidRule, rule.ScopeType)
	}
	if rule.ScopeID == "" {
		return fmt.Errorf("%w: scope id is required", ErrInvalidRule)
	}
	if !rule.Currency.Valid() {
		return fmt.Errorf("%w: unknown currency %q", ErrInvalidRule, rule.Currency)
	}
	if rule.Amount <= 0 {
		return fmt.Errorf("%w: amount per participant must be positive", ErrInvalidRule)
	}
	if rule.BudgetTotal < rule.Amount {
		return fmt.Errorf("%w: budget must cover at least one participant", ErrInvalidRule)
	}
	if rule.MaxParticipants != nil && *rule.MaxParticipants <= 0 {
		return fmt.Errorf("%w: max participants must be positive when set", ErrInvalidRule)
	}
	if rule.EndAt != nil && !rule.EndAt.After(rule.StartAt) {
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidRule)
	}
	return nil
}
