package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Direction направление сигнала
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Side возвращает сторону входного ордера для направления
func (d Direction) Side() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// Side сторона ордера
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite возвращает противоположную сторону (для стоп-лосса и закрытия)
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Signal представляет нормализованный торговый сигнал
type Signal struct {
	Symbol     string
	Direction  Direction
	Confidence float64
}

// SymbolRule шаг цены и количества для символа
type SymbolRule struct {
	Symbol   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal
}

// Position открытая позиция на бирже (количество со знаком)
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
}

// IsOpen позиция считается открытой при ненулевом количестве
func (p Position) IsOpen() bool {
	return !p.Quantity.IsZero()
}

// AccountSnapshot состояние фьючерсного счета
type AccountSnapshot struct {
	Positions          []Position
	TotalWalletBalance decimal.Decimal
	TotalInitialMargin decimal.Decimal
}

// OpenSymbols возвращает множество символов с открытыми позициями
func (a *AccountSnapshot) OpenSymbols() map[string]struct{} {
	open := make(map[string]struct{}, len(a.Positions))
	for _, p := range a.Positions {
		if p.IsOpen() {
			open[p.Symbol] = struct{}{}
		}
	}
	return open
}

// MarginUsagePct доля начальной маржи от баланса кошелька в процентах
func (a *AccountSnapshot) MarginUsagePct() float64 {
	if a.TotalWalletBalance.Sign() <= 0 {
		return 0
	}
	pct, _ := a.TotalInitialMargin.Div(a.TotalWalletBalance).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// OrderIntent заявка, отправляемая на биржу
type OrderIntent struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	ReduceOnly    bool
	StopPrice     decimal.NullDecimal
	ClientOrderID string
}

// IsStop true для стоп-маркет ордера
func (o OrderIntent) IsStop() bool {
	return o.StopPrice.Valid
}

// OrderResult ответ биржи на размещение ордера
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        string
	AvgPrice      decimal.Decimal
}

// TradeStatus итог попытки открыть позицию
type TradeStatus string

const (
	TradeOpened  TradeStatus = "opened"
	TradeFailed  TradeStatus = "failed"
	TradeSkipped TradeStatus = "skipped"
)

// TradeOutcome результат обработки одного сигнала
type TradeOutcome struct {
	Symbol          string
	Side            Side
	Status          TradeStatus
	Reason          string
	Quantity        decimal.Decimal
	EntryPrice      decimal.Decimal
	StopPrice       decimal.Decimal
	StopAttempts    int
	EmergencyClosed bool
	Timestamp       time.Time
}

// AlertKind тип оповещения
type AlertKind string

const (
	AlertBalanceDrop         AlertKind = "balance_drop"
	AlertUnprotectedPosition AlertKind = "unprotected_position"
)

// AlertEvent оповещение оператора
type AlertEvent struct {
	Kind      AlertKind
	Symbol    string
	Message   string
	Value     float64
	Timestamp time.Time
}

// CycleReport итог одного торгового цикла
type CycleReport struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time
	SkipReason      string
	Balance         decimal.Decimal
	MarginUsagePct  float64
	SignalsReceived int
	Outcomes        []TradeOutcome
	Alerts          []AlertEvent
}

// Opened количество успешно открытых позиций за цикл
func (r *CycleReport) Opened() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == TradeOpened {
			n++
		}
	}
	return n
}

// Failed количество неудачных попыток за цикл
func (r *CycleReport) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == TradeFailed {
			n++
		}
	}
	return n
}

// SortedSymbols возвращает ключи множества в детерминированном порядке
func SortedSymbols(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
