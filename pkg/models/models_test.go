package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAccountSnapshotOpenSymbols(t *testing.T) {
	acc := &AccountSnapshot{Positions: []Position{
		{Symbol: "BTCUSDT", Quantity: decimal.RequireFromString("0.010")},
		{Symbol: "ETHUSDT", Quantity: decimal.Zero},
		{Symbol: "SOLUSDT", Quantity: decimal.RequireFromString("-3")},
	}}
	got := SortedSymbols(acc.OpenSymbols())
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "SOLUSDT" {
		t.Fatalf("неожиданные открытые символы: %v", got)
	}
}

func TestMarginUsagePct(t *testing.T) {
	acc := &AccountSnapshot{
		TotalWalletBalance: decimal.NewFromInt(1000),
		TotalInitialMargin: decimal.NewFromInt(250),
	}
	if got := acc.MarginUsagePct(); got != 25 {
		t.Fatalf("ожидалось 25%%, получено %.4f", got)
	}
	empty := &AccountSnapshot{TotalInitialMargin: decimal.NewFromInt(10)}
	if got := empty.MarginUsagePct(); got != 0 {
		t.Fatalf("при нулевом балансе ожидалось 0, получено %.4f", got)
	}
}

func TestSides(t *testing.T) {
	if Long.Side() != Buy || Short.Side() != Sell {
		t.Fatalf("неверное соответствие направления и стороны")
	}
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Fatalf("неверная противоположная сторона")
	}
}
