// Package engine выполняет торговый цикл: состояние счета, сигналы, фильтры, открытие позиций.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/internal/metrics"
	"github.com/skalibog/bfexec/internal/safety"
	"github.com/skalibog/bfexec/internal/signals"
	"github.com/skalibog/bfexec/internal/storage"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

// ErrCycleInProgress предыдущий цикл еще не завершен
var ErrCycleInProgress = errors.New("торговый цикл уже выполняется")

// Причины пропуска цикла или сигнала
const (
	SkipBreaker     = "breaker_active"
	SkipAccount     = "account_unavailable"
	SkipMarginCap   = "margin_cap"
	SkipSignals     = "signals_unavailable"
	SkipCooldown    = "cooldown"
	SkipAlreadyOpen = "already_open"
)

// AccountReader читает состояние счета
type AccountReader interface {
	AccountSnapshot(ctx context.Context) (*models.AccountSnapshot, error)
}

// SignalSource источник сигналов
type SignalSource interface {
	Fetch(ctx context.Context) ([]models.Signal, error)
}

// PositionOpener открывает позицию по символу
type PositionOpener interface {
	OpenPosition(ctx context.Context, symbol string, side models.Side) (*models.TradeOutcome, error)
}

// Deps зависимости движка
type Deps struct {
	Account      AccountReader
	Signals      SignalSource
	Opener       PositionOpener
	Gate         *safety.Gate
	Aliases      signals.AliasTable
	Journal      storage.Journal
	MaxPositions int
	Clock        func() time.Time
}

// Status состояние движка для интерфейса
type Status struct {
	Safety  safety.Snapshot
	Last    *models.CycleReport
	Cycles  int
	Running bool
}

// Engine владеет состоянием защитных механизмов и выполняет циклы строго по одному
type Engine struct {
	deps    Deps
	run     sync.Mutex
	running atomic.Bool

	statusMu sync.RWMutex
	last     *models.CycleReport
	cycles   int
}

// New создает движок
func New(deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Journal == nil {
		deps.Journal = storage.NopJournal{}
	}
	if deps.Aliases == nil {
		deps.Aliases = signals.NewAliasTable(nil)
	}
	return &Engine{deps: deps}
}

// RunCycle выполняет один торговый цикл.
// Отмена ctx не прерывает начатый цикл, чтобы не оставить позицию без стопа.
func (e *Engine) RunCycle(ctx context.Context) (*models.CycleReport, error) {
	if !e.run.TryLock() {
		metrics.CyclesTotal.WithLabelValues("busy").Inc()
		logger.Warn("Предыдущий цикл еще выполняется, запуск пропущен")
		return nil, ErrCycleInProgress
	}
	defer e.run.Unlock()

	e.running.Store(true)
	defer e.running.Store(false)

	ctx = context.WithoutCancel(ctx)
	report := &models.CycleReport{
		ID:        uuid.NewString(),
		StartedAt: e.deps.Clock(),
	}
	defer e.finish(ctx, report)

	logger.Info("Начало торгового цикла", zap.String("cycle", report.ID))
	e.cycle(ctx, report)
	return report, nil
}

func (e *Engine) cycle(ctx context.Context, report *models.CycleReport) {
	gate := e.deps.Gate

	if !gate.CanTrade() {
		e.skip(report, SkipBreaker)
		return
	}

	acc, err := e.deps.Account.AccountSnapshot(ctx)
	if err != nil {
		logger.Error("Не удалось получить состояние счета", zap.Error(err))
		e.skip(report, SkipAccount)
		return
	}
	report.Balance = acc.TotalWalletBalance
	report.MarginUsagePct = acc.MarginUsagePct()
	gate.CaptureBaseline(acc.TotalWalletBalance)
	defer e.checkBalance(ctx, report, acc)

	open := acc.OpenSymbols()
	if closed := gate.RecordClosedPositions(gate.PreviousOpen(), open); len(closed) > 0 {
		logger.Info("Позиции закрыты с прошлого цикла", zap.Strings("symbols", closed))
	}
	gate.SetPreviousOpen(open)

	if gate.MarginCapExceeded(report.MarginUsagePct) {
		logger.Info("Использование маржи выше порога, цикл пропущен",
			zap.Float64("margin_usage_pct", report.MarginUsagePct))
		e.skip(report, SkipMarginCap)
		return
	}

	sigs, err := e.deps.Signals.Fetch(ctx)
	if err != nil {
		logger.Error("Не удалось получить сигналы", zap.Error(err))
		e.skip(report, SkipSignals)
		return
	}
	report.SignalsReceived = len(sigs)
	if len(sigs) == 0 {
		logger.Info("Нет подходящих сигналов в этом цикле")
		return
	}

	for _, sig := range sigs {
		symbol := e.deps.Aliases.Resolve(sig.Symbol)
		side := sig.Direction.Side()

		if !gate.CanTrade() {
			logger.Warn("Предохранитель активен, оставшиеся сигналы отклонены", zap.String("symbol", symbol))
			e.record(ctx, report, *e.skipped(symbol, side, SkipBreaker))
			break
		}
		if gate.InCooldown(symbol) {
			logger.Info("Символ на паузе после закрытия", zap.String("symbol", symbol))
			e.record(ctx, report, *e.skipped(symbol, side, SkipCooldown))
			continue
		}
		if _, ok := open[symbol]; ok {
			logger.Info("Позиция уже открыта", zap.String("symbol", symbol))
			e.record(ctx, report, *e.skipped(symbol, side, SkipAlreadyOpen))
			continue
		}
		if len(open) >= e.deps.MaxPositions {
			logger.Info("Достигнут лимит позиций, оставшиеся сигналы пропущены",
				zap.Int("open", len(open)),
				zap.Int("max", e.deps.MaxPositions))
			break
		}

		outcome, err := e.deps.Opener.OpenPosition(ctx, symbol, side)
		if outcome == nil {
			outcome = e.skipped(symbol, side, "")
			outcome.Status = models.TradeFailed
		}
		if err == nil {
			open[symbol] = struct{}{}
			gate.RecordSuccess()
		} else {
			logger.Error("Не удалось открыть позицию",
				zap.String("symbol", symbol),
				zap.String("side", string(side)),
				zap.Error(err))
			outcome.Status = models.TradeFailed
			outcome.Reason = err.Error()
			gate.RecordFailure()

			var unprotected *apperr.UnprotectedPositionError
			if errors.As(err, &unprotected) {
				open[symbol] = struct{}{}
				e.alert(ctx, report, models.AlertEvent{
					Kind:      models.AlertUnprotectedPosition,
					Symbol:    symbol,
					Message:   unprotected.Error(),
					Timestamp: e.deps.Clock(),
				})
			}
		}
		e.record(ctx, report, *outcome)
	}

	// новые позиции тоже отслеживаются, чтобы быстрый выход по стопу запустил паузу
	gate.SetPreviousOpen(open)
}

// checkBalance сверяет баланс с исходным один раз за цикл
func (e *Engine) checkBalance(ctx context.Context, report *models.CycleReport, fallback *models.AccountSnapshot) {
	balance := fallback.TotalWalletBalance
	if report.Opened() > 0 || report.Failed() > 0 {
		if acc, err := e.deps.Account.AccountSnapshot(ctx); err == nil {
			balance = acc.TotalWalletBalance
			report.Balance = balance
			report.MarginUsagePct = acc.MarginUsagePct()
		} else {
			logger.Warn("Не удалось обновить баланс, используется снимок начала цикла", zap.Error(err))
		}
	}

	if alert := e.deps.Gate.CheckBalanceDrop(balance); alert != nil {
		e.alert(ctx, report, *alert)
	}
}

func (e *Engine) skip(report *models.CycleReport, reason string) {
	report.SkipReason = reason
	logger.Info("Цикл пропущен", zap.String("cycle", report.ID), zap.String("reason", reason))
}

func (e *Engine) skipped(symbol string, side models.Side, reason string) *models.TradeOutcome {
	return &models.TradeOutcome{
		Symbol:    symbol,
		Side:      side,
		Status:    models.TradeSkipped,
		Reason:    reason,
		Timestamp: e.deps.Clock(),
	}
}

func (e *Engine) record(ctx context.Context, report *models.CycleReport, outcome models.TradeOutcome) {
	report.Outcomes = append(report.Outcomes, outcome)
	metrics.TradeAttemptsTotal.WithLabelValues(string(outcome.Status)).Inc()
	if outcome.Status == models.TradeSkipped {
		return
	}
	if err := e.deps.Journal.SaveTrade(ctx, outcome); err != nil {
		logger.Warn("Не удалось записать сделку в журнал", zap.Error(err))
	}
}

func (e *Engine) alert(ctx context.Context, report *models.CycleReport, alert models.AlertEvent) {
	report.Alerts = append(report.Alerts, alert)
	metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()

	fields := []zap.Field{
		zap.String("kind", string(alert.Kind)),
		zap.String("symbol", alert.Symbol),
		zap.Float64("value", alert.Value),
		zap.String("message", alert.Message),
	}
	if alert.Kind == models.AlertUnprotectedPosition {
		logger.Error("ОПОВЕЩЕНИЕ: позиция без защиты, требуется вмешательство", fields...)
	} else {
		logger.Warn("ОПОВЕЩЕНИЕ", fields...)
	}

	if err := e.deps.Journal.SaveAlert(ctx, alert); err != nil {
		logger.Warn("Не удалось записать оповещение в журнал", zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, report *models.CycleReport) {
	report.FinishedAt = e.deps.Clock()

	result := "completed"
	if report.SkipReason != "" {
		result = "skipped"
	}
	metrics.CyclesTotal.WithLabelValues(result).Inc()

	snap := e.deps.Gate.Snapshot()
	metrics.SetBreaker(snap.BreakerTripped, snap.ConsecutiveFailures)
	if !report.Balance.IsZero() {
		metrics.WalletBalance.Set(report.Balance.InexactFloat64())
		metrics.MarginUsagePct.Set(report.MarginUsagePct)
	}

	if err := e.deps.Journal.SaveCycle(ctx, report); err != nil {
		logger.Warn("Не удалось записать цикл в журнал", zap.Error(err))
	}

	e.statusMu.Lock()
	e.last = report
	e.cycles++
	e.statusMu.Unlock()

	logger.Info("Торговый цикл завершен",
		zap.String("cycle", report.ID),
		zap.String("result", result),
		zap.Int("signals", report.SignalsReceived),
		zap.Int("opened", report.Opened()),
		zap.Int("failed", report.Failed()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
}

// Status возвращает снимок состояния
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	return Status{
		Safety:  e.deps.Gate.Snapshot(),
		Last:    e.last,
		Cycles:  e.cycles,
		Running: e.running.Load(),
	}
}
