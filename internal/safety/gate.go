// Package safety содержит защитные механизмы торгового цикла.
package safety

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

// Clock источник времени, подменяется в тестах
type Clock func() time.Time

// Settings пороги защитных механизмов
type Settings struct {
	FailureThreshold int
	BreakerCooldown  time.Duration
	SymbolCooldown   time.Duration
	MarginCapPct     float64
	BalanceDropPct   float64
}

// SettingsFromConfig собирает пороги из конфигурации
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		FailureThreshold: cfg.Safety.FailureThreshold,
		BreakerCooldown:  cfg.Safety.BreakerCooldown(),
		SymbolCooldown:   cfg.Safety.SymbolCooldown(),
		MarginCapPct:     cfg.Trading.EffectiveMarginCap(),
		BalanceDropPct:   cfg.Safety.BalanceDropPct,
	}
}

// DefaultSettings значения по умолчанию
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		BreakerCooldown:  15 * time.Minute,
		SymbolCooldown:   120 * time.Second,
		MarginCapPct:     70,
		BalanceDropPct:   5,
	}
}

// Snapshot копия состояния для интерфейса и метрик
type Snapshot struct {
	ConsecutiveFailures int
	BreakerTripped      bool
	BreakerTrippedAt    time.Time
	BreakerClearsAt     time.Time
	Cooldowns           map[string]time.Time // символ -> окончание паузы
	PreviousOpen        []string
	InitialBalance      decimal.NullDecimal
	BalanceDropAlerted  bool
}

// Gate хранит состояние защитных механизмов на время жизни процесса.
// Методы безопасны для конкурентного чтения, но изменения выполняет только цикл.
type Gate struct {
	mu       sync.Mutex
	settings Settings
	now      Clock

	consecutiveFailures int
	breakerTrippedAt    time.Time
	lastClosedAt        map[string]time.Time
	previousOpen        map[string]struct{}
	initialBalance      decimal.NullDecimal
	dropAlerted         bool
}

// NewGate создает новый Gate
func NewGate(settings Settings, now Clock) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		settings:     settings,
		now:          now,
		lastClosedAt: make(map[string]time.Time),
		previousOpen: make(map[string]struct{}),
	}
}

// CanTrade false, пока предохранитель сработал и не истекла пауза.
// По истечении паузы состояние сбрасывается.
func (g *Gate) CanTrade() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.breakerTrippedAt.IsZero() {
		return true
	}
	if g.now().Sub(g.breakerTrippedAt) < g.settings.BreakerCooldown {
		return false
	}

	logger.Info("Предохранитель сброшен по истечении паузы",
		zap.Duration("cooldown", g.settings.BreakerCooldown))
	g.breakerTrippedAt = time.Time{}
	g.consecutiveFailures = 0
	return true
}

// MarginCapExceeded true, если использование маржи достигло порога
func (g *Gate) MarginCapExceeded(marginUsagePct float64) bool {
	return marginUsagePct >= g.settings.MarginCapPct
}

// InCooldown true, если позиция по символу закрылась менее SymbolCooldown назад
func (g *Gate) InCooldown(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	closedAt, ok := g.lastClosedAt[symbol]
	if !ok {
		return false
	}
	return g.now().Sub(closedAt) < g.settings.SymbolCooldown
}

// RecordClosedPositions отмечает время закрытия символов, пропавших из открытых
func (g *Gate) RecordClosedPositions(previousOpen, currentOpen map[string]struct{}) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var closed []string
	for symbol := range previousOpen {
		if _, still := currentOpen[symbol]; still {
			continue
		}
		g.lastClosedAt[symbol] = now
		closed = append(closed, symbol)
	}
	return closed
}

// PreviousOpen открытые символы на момент прошлого цикла
func (g *Gate) PreviousOpen() map[string]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]struct{}, len(g.previousOpen))
	for s := range g.previousOpen {
		out[s] = struct{}{}
	}
	return out
}

// SetPreviousOpen сохраняет набор открытых символов для следующего цикла
func (g *Gate) SetPreviousOpen(open map[string]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.previousOpen = make(map[string]struct{}, len(open))
	for s := range open {
		g.previousOpen[s] = struct{}{}
	}
}

// RecordSuccess сбрасывает счетчик неудач и предохранитель
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures = 0
	g.breakerTrippedAt = time.Time{}
}

// RecordFailure увеличивает счетчик неудач, при достижении порога срабатывает предохранитель.
// Возвращает true, если предохранитель сработал этим вызовом.
func (g *Gate) RecordFailure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures++
	if g.consecutiveFailures >= g.settings.FailureThreshold && g.breakerTrippedAt.IsZero() {
		g.breakerTrippedAt = g.now()
		logger.Warn("Сработал предохранитель",
			zap.Int("failures", g.consecutiveFailures),
			zap.Duration("cooldown", g.settings.BreakerCooldown))
		return true
	}
	return false
}

// CaptureBaseline запоминает исходный баланс один раз за время жизни процесса
func (g *Gate) CaptureBaseline(balance decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialBalance.Valid || balance.Sign() <= 0 {
		return
	}
	g.initialBalance = decimal.NewNullDecimal(balance)
	logger.Info("Зафиксирован исходный баланс", zap.String("balance", balance.String()))
}

// CheckBalanceDrop возвращает оповещение, если баланс упал на BalanceDropPct и более.
// Оповещение повторяется только после восстановления баланса выше порога.
func (g *Gate) CheckBalanceDrop(current decimal.Decimal) *models.AlertEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initialBalance.Valid {
		return nil
	}
	base := g.initialBalance.Decimal
	dropPct, _ := base.Sub(current).Div(base).Mul(decimal.NewFromInt(100)).Float64()

	if dropPct < g.settings.BalanceDropPct {
		g.dropAlerted = false
		return nil
	}
	if g.dropAlerted {
		return nil
	}
	g.dropAlerted = true

	return &models.AlertEvent{
		Kind:      models.AlertBalanceDrop,
		Message:   "баланс снизился относительно исходного на " + decimal.NewFromFloat(dropPct).StringFixed(2) + "%",
		Value:     dropPct,
		Timestamp: g.now(),
	}
}

// Snapshot возвращает копию состояния
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	s := Snapshot{
		ConsecutiveFailures: g.consecutiveFailures,
		BreakerTrippedAt:    g.breakerTrippedAt,
		Cooldowns:           make(map[string]time.Time),
		PreviousOpen:        models.SortedSymbols(g.previousOpen),
		InitialBalance:      g.initialBalance,
		BalanceDropAlerted:  g.dropAlerted,
	}
	if !g.breakerTrippedAt.IsZero() {
		s.BreakerClearsAt = g.breakerTrippedAt.Add(g.settings.BreakerCooldown)
		s.BreakerTripped = now.Before(s.BreakerClearsAt)
	}
	for symbol, closedAt := range g.lastClosedAt {
		if until := closedAt.Add(g.settings.SymbolCooldown); now.Before(until) {
			s.Cooldowns[symbol] = until
		}
	}
	return s
}
