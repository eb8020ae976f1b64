// Package execution открывает позицию: плечо, размер, вход и стоп-лосс.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/internal/exchange"
	"github.com/skalibog/bfexec/internal/metrics"
	"github.com/skalibog/bfexec/internal/precision"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

// Params параметры размера позиции и стоп-лосса
type Params struct {
	Leverage           int
	FixedPctPerTrade   decimal.Decimal
	StopLossPct        decimal.Decimal
	StopDistanceFactor decimal.Decimal
	StopMaxBumps       int
	RetryCodes         map[int64]struct{}
}

// ParamsFromConfig собирает параметры из торговой конфигурации
func ParamsFromConfig(cfg config.TradingConfig) Params {
	codes := make(map[int64]struct{}, len(cfg.PrecisionRetryCodes))
	for _, c := range cfg.PrecisionRetryCodes {
		codes[c] = struct{}{}
	}
	return Params{
		Leverage:           cfg.Leverage,
		FixedPctPerTrade:   decimal.NewFromFloat(cfg.FixedPctPerTrade),
		StopLossPct:        decimal.NewFromFloat(cfg.StopLossPct),
		StopDistanceFactor: decimal.NewFromFloat(cfg.StopDistanceFactor),
		StopMaxBumps:       cfg.StopMaxBumps,
		RetryCodes:         codes,
	}
}

// Opener открывает позиции через шлюз биржи
type Opener struct {
	gw        exchange.Gateway
	precision *precision.Resolver
	params    Params
	newID     func() string
	now       func() time.Time
}

// NewOpener создает новый Opener
func NewOpener(gw exchange.Gateway, resolver *precision.Resolver, params Params) *Opener {
	return &Opener{
		gw:        gw,
		precision: resolver,
		params:    params,
		newID:     func() string { return "bfx-" + uuid.NewString()[:24] },
		now:       time.Now,
	}
}

// OpenPosition выполняет последовательность плечо -> размер -> вход -> стоп.
// Итог возвращается всегда, ошибка означает неудачную попытку.
func (o *Opener) OpenPosition(ctx context.Context, symbol string, side models.Side) (*models.TradeOutcome, error) {
	outcome := &models.TradeOutcome{
		Symbol:    symbol,
		Side:      side,
		Status:    models.TradeFailed,
		Timestamp: o.now(),
	}
	err := o.open(ctx, outcome)
	if err != nil {
		outcome.Reason = err.Error()
		return outcome, err
	}
	outcome.Status = models.TradeOpened
	return outcome, nil
}

func (o *Opener) open(ctx context.Context, out *models.TradeOutcome) error {
	symbol, side := out.Symbol, out.Side
	if symbol == "" {
		return &apperr.ValidationError{Symbol: symbol, Reason: "пустой символ"}
	}

	if err := o.gw.SetLeverage(ctx, symbol, o.params.Leverage); err != nil {
		return fmt.Errorf("ошибка установки плеча: %w", err)
	}

	acc, err := o.gw.AccountSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения баланса: %w", err)
	}
	balance := acc.TotalWalletBalance
	if balance.Sign() <= 0 {
		return &apperr.ValidationError{Symbol: symbol, Reason: "нулевой баланс кошелька"}
	}
	notional := balance.Mul(o.params.FixedPctPerTrade).Mul(decimal.NewFromInt(int64(o.params.Leverage)))

	mark, err := o.gw.MarkPrice(ctx, symbol)
	if err != nil {
		// без цены нельзя ни рассчитать размер, ни подставить цену входа
		logger.Warn("Маркировочная цена недоступна",
			zap.String("symbol", symbol),
			zap.Error(err))
		return &apperr.ValidationError{Symbol: symbol, Reason: "маркировочная цена недоступна: " + err.Error()}
	}
	if mark.Sign() <= 0 {
		return &apperr.ValidationError{Symbol: symbol, Reason: "маркировочная цена недоступна"}
	}

	qty, err := o.precision.QuantizeQuantity(ctx, symbol, notional.Div(mark))
	if err != nil {
		return fmt.Errorf("ошибка округления количества: %w", err)
	}
	if qty.Fallback {
		logger.Warn("Количество рассчитано без правил биржи",
			zap.String("symbol", symbol),
			zap.String("quantity", qty.Value.String()))
	}
	if qty.Value.Sign() <= 0 {
		return &apperr.ValidationError{Symbol: symbol, Reason: "количество после округления равно нулю"}
	}
	out.Quantity = qty.Value

	entryRes, err := o.place(ctx, "entry", models.OrderIntent{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty.Value,
	})
	if err != nil {
		return fmt.Errorf("ошибка входного ордера: %w", err)
	}

	entry := entryRes.AvgPrice
	if entry.Sign() <= 0 {
		entry = mark
	}
	out.EntryPrice = entry

	stop, stopTick, err := o.stopPrice(ctx, symbol, side, entry)
	if err != nil {
		return o.abortAfterEntry(ctx, out, err)
	}
	out.StopPrice = stop

	if err := o.validate(symbol, qty.Value, entry, stop); err != nil {
		return o.abortAfterEntry(ctx, out, err)
	}

	if err := o.placeStop(ctx, out, stop, stopTick); err != nil {
		return o.abortAfterEntry(ctx, out, err)
	}

	logger.Info("Позиция открыта",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", out.Quantity.String()),
		zap.String("entry", out.EntryPrice.String()),
		zap.String("stop", out.StopPrice.String()),
		zap.Int("stop_attempts", out.StopAttempts))
	return nil
}

// stopPrice цена стопа от цены входа, приведенная к тику
func (o *Opener) stopPrice(ctx context.Context, symbol string, side models.Side, entry decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	raw := entry.Mul(one.Sub(o.params.StopLossPct))
	if side == models.Sell {
		raw = entry.Mul(one.Add(o.params.StopLossPct))
	}

	q, err := o.precision.QuantizePrice(ctx, symbol, raw)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ошибка округления цены стопа: %w", err)
	}
	return q.Value, q.Increment, nil
}

func (o *Opener) maxDistance() decimal.Decimal {
	return o.params.StopLossPct.Mul(o.params.StopDistanceFactor)
}

func (o *Opener) validate(symbol string, qty, entry, stop decimal.Decimal) error {
	switch {
	case symbol == "":
		return &apperr.ValidationError{Symbol: symbol, Reason: "пустой символ"}
	case qty.Sign() <= 0:
		return &apperr.ValidationError{Symbol: symbol, Reason: "нулевое количество"}
	case entry.Sign() <= 0:
		return &apperr.ValidationError{Symbol: symbol, Reason: "нулевая цена входа"}
	case stop.Sign() <= 0:
		return &apperr.ValidationError{Symbol: symbol, Reason: "нулевая цена стопа"}
	}

	distance := entry.Sub(stop).Abs().Div(entry)
	if distance.GreaterThan(o.maxDistance()) {
		return &apperr.ValidationError{
			Symbol: symbol,
			Reason: fmt.Sprintf("расстояние до стопа %s%% больше допустимого %s%%",
				distance.Mul(decimal.NewFromInt(100)).StringFixed(3),
				o.maxDistance().Mul(decimal.NewFromInt(100)).StringFixed(3)),
		}
	}
	return nil
}

// stopCandidates смещения в тиках: 0, +1..+n, -1..-n
func stopCandidates(n int) []int64 {
	out := make([]int64, 0, 2*n+1)
	out = append(out, 0)
	for i := 1; i <= n; i++ {
		out = append(out, int64(i))
	}
	for i := 1; i <= n; i++ {
		out = append(out, int64(-i))
	}
	return out
}

// acceptableStop цена стопа положительна, по правильную сторону от входа и не дальше допустимого
func (o *Opener) acceptableStop(side models.Side, entry, stop decimal.Decimal) bool {
	if stop.Sign() <= 0 {
		return false
	}
	if side == models.Buy && !stop.LessThan(entry) {
		return false
	}
	if side == models.Sell && !stop.GreaterThan(entry) {
		return false
	}
	return !entry.Sub(stop).Abs().Div(entry).GreaterThan(o.maxDistance())
}

// placeStop перебирает кандидатов цены стопа, повторяя только при отказах по точности
func (o *Opener) placeStop(ctx context.Context, out *models.TradeOutcome, base, tick decimal.Decimal) error {
	var lastErr error
	for _, bump := range stopCandidates(o.params.StopMaxBumps) {
		price := base.Add(tick.Mul(decimal.NewFromInt(bump)))
		if bump != 0 && !o.acceptableStop(out.Side, out.EntryPrice, price) {
			continue
		}

		out.StopAttempts++
		_, err := o.place(ctx, "stop", models.OrderIntent{
			Symbol:     out.Symbol,
			Side:       out.Side.Opposite(),
			Quantity:   out.Quantity,
			ReduceOnly: true,
			StopPrice:  decimal.NewNullDecimal(price),
		})
		if err == nil {
			out.StopPrice = price
			return nil
		}
		lastErr = err

		code, ok := apperr.RejectionCode(err)
		if !ok || !o.retryable(code) {
			return fmt.Errorf("ошибка стоп-ордера: %w", err)
		}
		logger.Warn("Стоп-ордер отклонен по точности, сдвиг цены",
			zap.String("symbol", out.Symbol),
			zap.String("price", price.String()),
			zap.Int64("bump", bump),
			zap.Int64("code", code))
	}

	if lastErr == nil {
		lastErr = errors.New("нет допустимой цены стопа")
	}
	return fmt.Errorf("стоп-ордер не размещен после %d попыток: %w", out.StopAttempts, lastErr)
}

func (o *Opener) retryable(code int64) bool {
	_, ok := o.params.RetryCodes[code]
	return ok
}

// abortAfterEntry закрывает исполненный вход рыночным reduce-only ордером.
// Если закрытие не удалось, возвращает UnprotectedPositionError.
func (o *Opener) abortAfterEntry(ctx context.Context, out *models.TradeOutcome, cause error) error {
	logger.Error("Позиция без стопа, аварийное закрытие",
		zap.String("symbol", out.Symbol),
		zap.String("quantity", out.Quantity.String()),
		zap.Error(cause))

	_, closeErr := o.place(ctx, "emergency_close", models.OrderIntent{
		Symbol:     out.Symbol,
		Side:       out.Side.Opposite(),
		Quantity:   out.Quantity,
		ReduceOnly: true,
	})
	if closeErr != nil {
		return &apperr.UnprotectedPositionError{Symbol: out.Symbol, StopErr: cause, CloseErr: closeErr}
	}

	out.EmergencyClosed = true
	logger.Warn("Позиция закрыта аварийно", zap.String("symbol", out.Symbol))
	return cause
}

func (o *Opener) place(ctx context.Context, kind string, intent models.OrderIntent) (*models.OrderResult, error) {
	intent.ClientOrderID = o.newID()
	res, err := o.gw.PlaceOrder(ctx, intent)
	if err != nil {
		return nil, err
	}
	metrics.ObserveOrder(intent.Symbol, string(intent.Side), kind)
	return res, nil
}
