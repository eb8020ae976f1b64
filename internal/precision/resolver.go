// Package precision приводит количество и цену к шагам биржи.
package precision

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

// RuleSource источник правил точности (биржа или кэш)
type RuleSource interface {
	SymbolRules(ctx context.Context, symbol string) (models.SymbolRule, error)
}

// Quantized результат квантования
type Quantized struct {
	Value decimal.Decimal
	// Increment шаг, к которому приведено значение
	Increment decimal.Decimal
	// Fallback true, если правила биржи были недоступны и использована эвристика
	Fallback bool
}

// Resolver приводит значения к шагам символа
type Resolver struct {
	rules RuleSource
}

// NewResolver создает новый Resolver
func NewResolver(rules RuleSource) *Resolver {
	return &Resolver{rules: rules}
}

var (
	thousand    = decimal.NewFromInt(1000)
	ten         = decimal.NewFromInt(10)
	two         = decimal.NewFromInt(2)
	priceDigits = int32(6)
)

// QuantizeQuantity округляет количество вниз до кратного stepSize
func (r *Resolver) QuantizeQuantity(ctx context.Context, symbol string, raw decimal.Decimal) (Quantized, error) {
	if raw.Sign() <= 0 {
		return Quantized{Value: decimal.Zero}, nil
	}

	rule, err := r.rules.SymbolRules(ctx, symbol)
	if err != nil {
		if errors.Is(err, apperr.ErrPrecisionUnavailable) {
			return Quantized{}, err
		}
		places := quantityPlaces(raw)
		logger.Warn("Правила точности недоступны, количество округлено эвристикой",
			zap.String("symbol", symbol),
			zap.String("raw", raw.String()),
			zap.Int32("places", places),
			zap.Error(err))
		return Quantized{
			Value:     raw.Truncate(places),
			Increment: decimal.New(1, -places),
			Fallback:  true,
		}, nil
	}

	return Quantized{Value: FloorToStep(raw, rule.StepSize), Increment: rule.StepSize}, nil
}

// QuantizePrice округляет цену до ближайшего кратного tickSize (половина вверх)
func (r *Resolver) QuantizePrice(ctx context.Context, symbol string, raw decimal.Decimal) (Quantized, error) {
	if raw.Sign() <= 0 {
		return Quantized{Value: decimal.Zero}, nil
	}

	rule, err := r.rules.SymbolRules(ctx, symbol)
	if err != nil {
		if errors.Is(err, apperr.ErrPrecisionUnavailable) {
			return Quantized{}, err
		}
		logger.Warn("Правила точности недоступны, цена округлена эвристикой",
			zap.String("symbol", symbol),
			zap.String("raw", raw.String()),
			zap.Error(err))
		return Quantized{
			Value:     raw.Round(priceDigits),
			Increment: decimal.New(1, -priceDigits),
			Fallback:  true,
		}, nil
	}

	return Quantized{Value: RoundToTick(raw, rule.TickSize), Increment: rule.TickSize}, nil
}

// FloorToStep наибольшее кратное step, не превышающее raw
func FloorToStep(raw, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 || raw.Sign() <= 0 {
		return decimal.Zero
	}
	q, _ := raw.QuoRem(step, 0)
	return q.Mul(step)
}

// RoundToTick ближайшее к raw кратное tick
func RoundToTick(raw, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 || raw.Sign() <= 0 {
		return decimal.Zero
	}
	q, rem := raw.QuoRem(tick, 0)
	if rem.Mul(two).GreaterThanOrEqual(tick) {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.Mul(tick)
}

func quantityPlaces(raw decimal.Decimal) int32 {
	switch {
	case raw.GreaterThanOrEqual(thousand):
		return 0
	case raw.GreaterThanOrEqual(ten):
		return 1
	default:
		return 3
	}
}
