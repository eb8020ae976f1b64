package storage

import (
	"context"

	"github.com/skalibog/bfexec/pkg/models"
)

// Journal интерфейс журнала циклов, попыток входа и оповещений.
// Журнал только пишет телеметрию, состояние защитных механизмов из него не восстанавливается.
type Journal interface {
	SaveCycle(ctx context.Context, report *models.CycleReport) error
	SaveTrade(ctx context.Context, outcome models.TradeOutcome) error
	SaveAlert(ctx context.Context, alert models.AlertEvent) error
	RecentTrades(ctx context.Context, limit int) ([]models.TradeOutcome, error)
	Close()
}

// NopJournal журнал-заглушка, когда хранилище отключено
type NopJournal struct{}

var _ Journal = NopJournal{}

func (NopJournal) SaveCycle(context.Context, *models.CycleReport) error { return nil }
func (NopJournal) SaveTrade(context.Context, models.TradeOutcome) error { return nil }
func (NopJournal) SaveAlert(context.Context, models.AlertEvent) error   { return nil }
func (NopJournal) RecentTrades(context.Context, int) ([]models.TradeOutcome, error) {
	return nil, nil
}
func (NopJournal) Close() {}
