package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/internal/precision"
	"github.com/skalibog/bfexec/pkg/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	mu sync.Mutex

	mark        decimal.Decimal
	markErr     error
	balance     decimal.Decimal
	leverageErr error
	rules       map[string]models.SymbolRule
	avgPrice    decimal.Decimal
	entryErr    error
	stopFn      func(attempt int, price decimal.Decimal) error
	closeErr    error

	orders     []models.OrderIntent
	stopPrices []decimal.Decimal
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		mark:     d("100"),
		balance:  d("1000"),
		avgPrice: d("100"),
		rules: map[string]models.SymbolRule{
			"BTCUSDT":  {Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001")},
			"FINEUSDT": {Symbol: "FINEUSDT", TickSize: d("0.001"), StepSize: d("0.001")},
			"ODDUSDT":  {Symbol: "ODDUSDT", TickSize: d("0.17"), StepSize: d("0.001")},
		},
	}
}

func (g *fakeGateway) MarkPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	if g.markErr != nil {
		return decimal.Zero, g.markErr
	}
	return g.mark, nil
}

func (g *fakeGateway) AccountSnapshot(_ context.Context) (*models.AccountSnapshot, error) {
	return &models.AccountSnapshot{TotalWalletBalance: g.balance}, nil
}

func (g *fakeGateway) SetLeverage(_ context.Context, _ string, _ int) error {
	return g.leverageErr
}

func (g *fakeGateway) SymbolRules(_ context.Context, symbol string) (models.SymbolRule, error) {
	rule, ok := g.rules[symbol]
	if !ok {
		return models.SymbolRule{}, fmt.Errorf("%s: %w", symbol, apperr.ErrPrecisionUnavailable)
	}
	return rule, nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, intent models.OrderIntent) (*models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.orders = append(g.orders, intent)
	switch {
	case intent.IsStop():
		g.stopPrices = append(g.stopPrices, intent.StopPrice.Decimal)
		if g.stopFn != nil {
			if err := g.stopFn(len(g.stopPrices), intent.StopPrice.Decimal); err != nil {
				return nil, err
			}
		}
		return &models.OrderResult{OrderID: 2, Status: "NEW"}, nil
	case intent.ReduceOnly:
		if g.closeErr != nil {
			return nil, g.closeErr
		}
		return &models.OrderResult{OrderID: 3, Status: "FILLED"}, nil
	default:
		if g.entryErr != nil {
			return nil, g.entryErr
		}
		return &models.OrderResult{OrderID: 1, Status: "FILLED", AvgPrice: g.avgPrice}, nil
	}
}

func (g *fakeGateway) closes() []models.OrderIntent {
	var out []models.OrderIntent
	for _, o := range g.orders {
		if o.ReduceOnly && !o.IsStop() {
			out = append(out, o)
		}
	}
	return out
}

func newTestOpener(g *fakeGateway) *Opener {
	return NewOpener(g, precision.NewResolver(g), ParamsFromConfig(config.Default().Trading))
}

func precisionReject(code int64) error {
	return &apperr.RejectionError{Op: "order", Code: code, Msg: "rejected"}
}

// assertStopsWithinGuard проверяет, что ни один стоп не был отправлен с нулевой ценой
// или дальше двух процентов стопа от входа
func assertStopsWithinGuard(t *testing.T, g *fakeGateway, entry decimal.Decimal) {
	t.Helper()
	limit := d("0.012")
	for _, p := range g.stopPrices {
		if p.Sign() <= 0 {
			t.Fatalf("отправлен стоп с нулевой ценой")
		}
		if entry.Sub(p).Abs().Div(entry).GreaterThan(limit) {
			t.Fatalf("стоп %s дальше допустимого от входа %s", p, entry)
		}
	}
}

func TestOpenLongHappyPath(t *testing.T) {
	g := newFakeGateway()
	out, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if out.Status != models.TradeOpened || !out.Quantity.Equal(d("5")) || !out.StopPrice.Equal(d("99.4")) {
		t.Fatalf("неожиданный итог: %+v", out)
	}
	if len(g.orders) != 2 {
		t.Fatalf("ожидалось 2 ордера, получено %d", len(g.orders))
	}
	entry, stop := g.orders[0], g.orders[1]
	if entry.Side != models.Buy || entry.ReduceOnly || entry.IsStop() {
		t.Fatalf("входной ордер: %+v", entry)
	}
	if stop.Side != models.Sell || !stop.ReduceOnly || !stop.Quantity.Equal(d("5")) {
		t.Fatalf("стоп-ордер: %+v", stop)
	}
	if entry.ClientOrderID == "" || entry.ClientOrderID == stop.ClientOrderID || len(entry.ClientOrderID) > 36 {
		t.Fatalf("идентификаторы ордеров: %q %q", entry.ClientOrderID, stop.ClientOrderID)
	}
}

func TestOpenShortUsesMarkWhenAvgPriceMissing(t *testing.T) {
	g := newFakeGateway()
	g.avgPrice = decimal.Zero
	g.mark = d("200")

	out, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Sell)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if !out.EntryPrice.Equal(d("200")) || !out.StopPrice.Equal(d("201.2")) {
		t.Fatalf("вход %s, стоп %s", out.EntryPrice, out.StopPrice)
	}
	if g.orders[1].Side != models.Buy {
		t.Fatalf("стоп шорта должен быть BUY")
	}
	if !out.Quantity.Equal(d("2.5")) {
		t.Fatalf("количество: %s", out.Quantity)
	}
}

func TestStopRetrySucceedsAtBumpThree(t *testing.T) {
	g := newFakeGateway()
	g.stopFn = func(attempt int, _ decimal.Decimal) error {
		if attempt <= 3 {
			return precisionReject(-2021)
		}
		return nil
	}

	out, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	want := d("99.4").Add(d("0.1").Mul(decimal.NewFromInt(3)))
	if !out.StopPrice.Equal(want) {
		t.Fatalf("стоп %s, ожидалось %s", out.StopPrice, want)
	}
	if out.StopAttempts != 4 || len(g.stopPrices) != 4 {
		t.Fatalf("ожидалось 4 попытки, было %d", len(g.stopPrices))
	}
	for i, p := range []string{"99.4", "99.5", "99.6", "99.7"} {
		if !g.stopPrices[i].Equal(d(p)) {
			t.Fatalf("попытка %d: %s, ожидалось %s", i, g.stopPrices[i], p)
		}
	}
	if len(g.closes()) != 0 {
		t.Fatalf("аварийное закрытие не требуется")
	}
}

func TestStopNonPrecisionRejectionStopsRetries(t *testing.T) {
	g := newFakeGateway()
	g.stopFn = func(int, decimal.Decimal) error { return precisionReject(-2019) }

	out, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	if code, ok := apperr.RejectionCode(err); !ok || code != -2019 {
		t.Fatalf("ожидался отказ -2019, получено %v", err)
	}
	if len(g.stopPrices) != 1 {
		t.Fatalf("без повторов, было %d попыток", len(g.stopPrices))
	}
	if !out.EmergencyClosed || len(g.closes()) != 1 || out.Status != models.TradeFailed {
		t.Fatalf("позиция должна быть закрыта аварийно: %+v", out)
	}
}

func TestStopRetryExhaustsAllCandidates(t *testing.T) {
	g := newFakeGateway()
	g.stopFn = func(int, decimal.Decimal) error { return precisionReject(-1111) }

	out, err := newTestOpener(g).OpenPosition(context.Background(), "FINEUSDT", models.Buy)
	if err == nil {
		t.Fatalf("ожидалась ошибка")
	}
	if len(g.stopPrices) != 21 {
		t.Fatalf("ожидалась 21 попытка, было %d", len(g.stopPrices))
	}
	if !g.stopPrices[20].Equal(d("99.39")) || !g.stopPrices[10].Equal(d("99.41")) {
		t.Fatalf("порядок кандидатов нарушен: %v", g.stopPrices)
	}
	closes := g.closes()
	if len(closes) != 1 || closes[0].Side != models.Sell || !closes[0].Quantity.Equal(out.Quantity) {
		t.Fatalf("аварийное закрытие: %+v", closes)
	}
	var unprotected *apperr.UnprotectedPositionError
	if errors.As(err, &unprotected) {
		t.Fatalf("закрытие удалось, позиция не должна считаться незащищенной")
	}
}

func TestStopRetrySkipsUnsafeCandidates(t *testing.T) {
	g := newFakeGateway()
	g.stopFn = func(int, decimal.Decimal) error { return precisionReject(-2021) }

	_, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	if err == nil {
		t.Fatalf("ожидалась ошибка")
	}
	// 99.4, +1..+5 (до 99.9), -1..-6 (до 98.8)
	if len(g.stopPrices) != 12 {
		t.Fatalf("ожидалось 12 попыток, было %d: %v", len(g.stopPrices), g.stopPrices)
	}
	for _, p := range g.stopPrices {
		if !p.LessThan(d("100")) {
			t.Fatalf("стоп лонга %s не ниже входа", p)
		}
	}
	assertStopsWithinGuard(t, g, d("100"))
}

func TestUnprotectedWhenEmergencyCloseFails(t *testing.T) {
	g := newFakeGateway()
	g.stopFn = func(int, decimal.Decimal) error { return precisionReject(-1111) }
	g.closeErr = &apperr.TransportError{Op: "order", Err: errors.New("connection reset")}

	_, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	var unprotected *apperr.UnprotectedPositionError
	if !errors.As(err, &unprotected) {
		t.Fatalf("ожидалась UnprotectedPositionError, получено %v", err)
	}
	if unprotected.Symbol != "BTCUSDT" || unprotected.StopErr == nil || unprotected.CloseErr == nil {
		t.Fatalf("ошибка должна содержать обе причины: %+v", unprotected)
	}
}

func TestMarkPriceUnavailableIsValidationFailure(t *testing.T) {
	g := newFakeGateway()
	g.mark = decimal.Zero
	g.avgPrice = decimal.Zero

	_, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	var vErr *apperr.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("ожидалась ValidationError, получено %v", err)
	}
	if len(g.orders) != 0 || len(g.stopPrices) != 0 {
		t.Fatalf("ордера не должны отправляться: %+v", g.orders)
	}
}

func TestMarkPriceErrorIsValidationFailure(t *testing.T) {
	g := newFakeGateway()
	g.markErr = &apperr.TransportError{Op: "premiumIndex", Err: errors.New("timeout")}
	g.avgPrice = decimal.Zero

	out, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	var vErr *apperr.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("ожидалась ValidationError, получено %v", err)
	}
	if out.Status != models.TradeFailed {
		t.Fatalf("статус: %s", out.Status)
	}
	if len(g.orders) != 0 || len(g.stopPrices) != 0 {
		t.Fatalf("ордера не должны отправляться: %+v", g.orders)
	}
}

func TestZeroQuantityAbortsBeforeOrders(t *testing.T) {
	g := newFakeGateway()
	g.balance = d("0.001")

	_, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	var vErr *apperr.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("ожидалась ValidationError, получено %v", err)
	}
	if len(g.orders) != 0 {
		t.Fatalf("ордера не должны отправляться")
	}
}

func TestLeverageFailureAbortsAttempt(t *testing.T) {
	g := newFakeGateway()
	g.leverageErr = precisionReject(-4028)

	_, err := newTestOpener(g).OpenPosition(context.Background(), "BTCUSDT", models.Buy)
	if code, ok := apperr.RejectionCode(err); !ok || code != -4028 {
		t.Fatalf("ожидался отказ -4028, получено %v", err)
	}
	if len(g.orders) != 0 {
		t.Fatalf("ордера не должны отправляться")
	}
}

func TestDistanceGuardClosesWithoutStop(t *testing.T) {
	g := newFakeGateway()
	g.mark = d("10")
	g.avgPrice = d("10")

	out, err := newTestOpener(g).OpenPosition(context.Background(), "ODDUSDT", models.Buy)
	var vErr *apperr.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("ожидалась ValidationError, получено %v", err)
	}
	if len(g.stopPrices) != 0 {
		t.Fatalf("стоп с широкой дистанцией не должен отправляться: %v", g.stopPrices)
	}
	if !out.EmergencyClosed || len(g.closes()) != 1 {
		t.Fatalf("исполненный вход должен быть закрыт")
	}
}

func TestUnknownSymbolFailsBeforeOrders(t *testing.T) {
	g := newFakeGateway()
	_, err := newTestOpener(g).OpenPosition(context.Background(), "NOPEUSDT", models.Buy)
	if !errors.Is(err, apperr.ErrPrecisionUnavailable) {
		t.Fatalf("ожидалась ErrPrecisionUnavailable, получено %v", err)
	}
	if len(g.orders) != 0 {
		t.Fatalf("ордера не должны отправляться")
	}
}

func TestStopCandidatesOrder(t *testing.T) {
	got := stopCandidates(3)
	want := []int64{0, 1, 2, 3, -1, -2, -3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("получено %v, ожидалось %v", got, want)
	}
}
