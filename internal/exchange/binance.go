package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

// Gateway операции биржи, которые использует движок
type Gateway interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	AccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolRules(ctx context.Context, symbol string) (models.SymbolRule, error)
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderResult, error)
}

// BinanceClient клиент для взаимодействия с фьючерсами Binance
type BinanceClient struct {
	futures *futures.Client

	rulesTTL  time.Duration
	rulesMu   sync.Mutex
	rules     map[string]models.SymbolRule
	rulesTime time.Time
	now       func() time.Time
}

var _ Gateway = (*BinanceClient)(nil)

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) (*BinanceClient, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, &apperr.ConfigError{Field: "binance", Reason: "нет учетных данных"}
	}

	// UseTestnet читается при создании клиента
	futures.UseTestnet = cfg.Testnet
	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		futuresClient.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	futuresClient.HTTPClient = &http.Client{Timeout: timeout}

	ttl := cfg.RulesTTL()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &BinanceClient{
		futures:  futuresClient,
		rulesTTL: ttl,
		now:      time.Now,
	}, nil
}

// Ping проверяет доступность API
func (c *BinanceClient) Ping(ctx context.Context) error {
	if err := c.futures.NewPingService().Do(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// WaitReady повторяет ping с экспоненциальной задержкой, пока биржа не ответит
func (c *BinanceClient) WaitReady(ctx context.Context, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}

	var err error
	for i := 0; i < attempts; i++ {
		if err = c.Ping(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := b.Duration()
		logger.Warn("Биржа недоступна, повтор",
			zap.Int("attempt", i+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("биржа недоступна после %d попыток: %w", attempts, err)
}

// MarkPrice получает текущую маркировочную цену
func (c *BinanceClient) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := c.futures.NewPremiumIndexService().
		Symbol(symbol).
		Do(ctx)
	if err != nil {
		return decimal.Zero, classify("premiumIndex", err)
	}
	if len(res) == 0 {
		return decimal.Zero, fmt.Errorf("не найдена маркировочная цена для %s", symbol)
	}

	price, err := decimal.NewFromString(res[0].MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ошибка парсинга цены %q: %w", res[0].MarkPrice, err)
	}
	return price, nil
}

// AccountSnapshot получает баланс, маржу и позиции
func (c *BinanceClient) AccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error) {
	acc, err := c.futures.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("account", err)
	}

	wallet, err := parseDecimal(acc.TotalWalletBalance)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга баланса: %w", err)
	}
	initial, err := parseDecimal(acc.TotalInitialMargin)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга маржи: %w", err)
	}

	snapshot := &models.AccountSnapshot{
		TotalWalletBalance: wallet,
		TotalInitialMargin: initial,
	}
	for _, p := range acc.Positions {
		qty, err := parseDecimal(p.PositionAmt)
		if err != nil {
			logger.Warn("Пропуск позиции с некорректным количеством",
				zap.String("symbol", p.Symbol),
				zap.String("amount", p.PositionAmt))
			continue
		}
		if qty.IsZero() {
			continue
		}
		snapshot.Positions = append(snapshot.Positions, models.Position{Symbol: p.Symbol, Quantity: qty})
	}

	return snapshot, nil
}

// SetLeverage устанавливает плечо для символа
func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.futures.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return classify("leverage", err)
	}
	return nil
}

// SymbolRules возвращает шаг цены и количества, метаданные кэшируются на rulesTTL
func (c *BinanceClient) SymbolRules(ctx context.Context, symbol string) (models.SymbolRule, error) {
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()

	if c.rules == nil || c.now().Sub(c.rulesTime) >= c.rulesTTL {
		rules, err := c.fetchRules(ctx)
		if err != nil {
			return models.SymbolRule{}, err
		}
		c.rules = rules
		c.rulesTime = c.now()
	}

	rule, ok := c.rules[symbol]
	if !ok {
		return models.SymbolRule{}, fmt.Errorf("%s: %w", symbol, apperr.ErrPrecisionUnavailable)
	}
	return rule, nil
}

func (c *BinanceClient) fetchRules(ctx context.Context) (map[string]models.SymbolRule, error) {
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("exchangeInfo", err)
	}

	rules := make(map[string]models.SymbolRule, len(info.Symbols))
	for _, s := range info.Symbols {
		rule := models.SymbolRule{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				rule.TickSize = filterValue(f, "tickSize")
			case "LOT_SIZE":
				rule.StepSize = filterValue(f, "stepSize")
			}
		}
		if rule.TickSize.Sign() <= 0 || rule.StepSize.Sign() <= 0 {
			continue
		}
		rules[s.Symbol] = rule
	}

	logger.Debug("Загружены правила точности", zap.Int("symbols", len(rules)))
	return rules, nil
}

// PlaceOrder отправляет рыночный или стоп-маркет ордер
func (c *BinanceClient) PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.OrderResult, error) {
	svc := c.futures.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(futures.SideType(intent.Side)).
		Quantity(intent.Quantity.String())

	if intent.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if intent.ClientOrderID != "" {
		svc = svc.NewClientOrderID(intent.ClientOrderID)
	}

	if intent.IsStop() {
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(intent.StopPrice.Decimal.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("order", err)
	}

	avg, err := parseDecimal(res.AvgPrice)
	if err != nil {
		avg = decimal.Zero
	}

	return &models.OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Status:        string(res.Status),
		AvgPrice:      avg,
	}, nil
}

// classify переводит ошибку клиента в таксономию движка
func classify(op string, err error) error {
	var apiErr *common.APIError
	// код 0 означает ответ без структурированной ошибки (например, 5xx от прокси)
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &apperr.RejectionError{Op: op, Code: apiErr.Code, Msg: apiErr.Message}
	}
	return &apperr.TransportError{Op: op, Err: err}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func filterValue(f map[string]interface{}, key string) decimal.Decimal {
	raw, ok := f[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
