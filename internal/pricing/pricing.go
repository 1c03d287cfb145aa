// Package pricing содержит чистый расчёт разбивки цены с учётом спонсорской поддержки.
package pricing

import (
	"errors"
	"fmt"
)

// DefaultFeePercent — комиссия платформы по умолчанию в процентах.
const DefaultFeePercent = 20

// ErrNegativeAmount возвращается при отрицательной цене или сумме поддержки.
// Входные данные приходят из доверенных источников, поэтому отрицательное
// значение — ошибка вызывающего кода, а не пользовательский ввод.
var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrInvalidFeePercent возвращается, если процент комиссии вне диапазона [0, 100].
	ErrInvalidFeePercent = errors.New("fee percent must be in range [0, 100]")
)

// Breakdown описывает разбивку цены программы для отображения.
// Все суммы — в минимальных единицах валюты программы.
type Breakdown struct {
	BasePrice        int64
	SponsorAmount    int64
	UserPays         int64
	PlatformFee      int64
	CreatorEarning   int64
	IsFree           bool
	IsSponsored      bool
	IsFullySponsored bool
}

// Calculate строит разбивку цены из базовой цены и номинальной суммы спонсорской
// поддержки. Сумма поддержки обрезается до базовой цены: спонсор не может
// покрыть больше стоимости программы. Комиссия платформы считается от базовой
// цены, а не от суммы к оплате, поэтому доход автора не зависит от того,
// кто платит. Комиссия округляется арифметически (половина — вверх) в
// минимальных единицах валюты.
func Calculate(basePrice, sponsorAmount int64, feePercent int) (Breakdown, error) {
	if basePrice < 0 || sponsorAmount < 0 {
		return Breakdown{}, fmt.Errorf("%w: base=%d sponsor=%d", ErrNegativeAmount, basePrice, sponsorAmount)
	}
	if feePercent < 0 || feePercent > 100 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidFeePercent, feePercent)
	}

	effective := sponsorAmount
	if effective > basePrice {
		effective = basePrice
	}

	fee := (basePrice*int64(feePercent) + 50) / 100

	return Breakdown{
		BasePrice:        basePrice,
		SponsorAmount:    effective,
		UserPays:         basePrice - effective,
		PlatformFee:      fee,
		CreatorEarning:   basePrice - fee,
		IsFree:           basePrice == 0,
		IsSponsored:      effective > 0,
		IsFullySponsored: basePrice > 0 && effective >= basePrice,
	}, nil
}
