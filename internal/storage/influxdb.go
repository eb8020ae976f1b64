// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

const (
	measurementCycles = "cycles"
	measurementTrades = "trade_attempts"
	measurementAlerts = "alerts"
)

// InfluxJournal реализует интерфейс Journal с использованием InfluxDB
type InfluxJournal struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

var _ Journal = (*InfluxJournal)(nil)

// NewInfluxJournal создает журнал и проверяет соединение с InfluxDB
func NewInfluxJournal(ctx context.Context, cfg config.StorageConfig) (*InfluxJournal, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Error("Ошибка записи в InfluxDB", zap.Error(err))
		}
	}()

	return &InfluxJournal{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close сбрасывает буфер и закрывает соединение
func (s *InfluxJournal) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// SaveCycle сохраняет итог цикла
func (s *InfluxJournal) SaveCycle(ctx context.Context, report *models.CycleReport) error {
	result := "completed"
	if report.SkipReason != "" {
		result = "skipped"
	}

	point := influxdb2.NewPoint(
		measurementCycles,
		map[string]string{
			"result": result,
		},
		map[string]interface{}{
			"cycle_id":         report.ID,
			"skip_reason":      report.SkipReason,
			"balance":          report.Balance.InexactFloat64(),
			"margin_usage_pct": report.MarginUsagePct,
			"signals":          report.SignalsReceived,
			"opened":           report.Opened(),
			"failed":           report.Failed(),
			"alerts":           len(report.Alerts),
			"duration_ms":      report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		},
		report.StartedAt,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// SaveTrade сохраняет попытку открыть позицию
func (s *InfluxJournal) SaveTrade(ctx context.Context, outcome models.TradeOutcome) error {
	point := influxdb2.NewPoint(
		measurementTrades,
		map[string]string{
			"symbol": outcome.Symbol,
			"side":   string(outcome.Side),
			"status": string(outcome.Status),
		},
		map[string]interface{}{
			"quantity":         outcome.Quantity.InexactFloat64(),
			"entry_price":      outcome.EntryPrice.InexactFloat64(),
			"stop_price":       outcome.StopPrice.InexactFloat64(),
			"stop_attempts":    outcome.StopAttempts,
			"emergency_closed": outcome.EmergencyClosed,
			"reason":           outcome.Reason,
		},
		outcome.Timestamp,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// SaveAlert сохраняет оповещение
func (s *InfluxJournal) SaveAlert(ctx context.Context, alert models.AlertEvent) error {
	tags := map[string]string{"kind": string(alert.Kind)}
	if alert.Symbol != "" {
		tags["symbol"] = alert.Symbol
	}

	point := influxdb2.NewPoint(
		measurementAlerts,
		tags,
		map[string]interface{}{
			"message": alert.Message,
			"value":   alert.Value,
		},
		alert.Timestamp,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()
	return nil
}

// RecentTrades возвращает последние попытки входа, новые первыми
func (s *InfluxJournal) RecentTrades(ctx context.Context, limit int) ([]models.TradeOutcome, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -7d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, measurementTrades, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса сделок: %w", err)
	}

	var trades []models.TradeOutcome
	for result.Next() {
		record := result.Record()

		symbol, _ := record.ValueByKey("symbol").(string)
		side, _ := record.ValueByKey("side").(string)
		status, _ := record.ValueByKey("status").(string)
		reason, _ := record.ValueByKey("reason").(string)
		quantity, _ := record.ValueByKey("quantity").(float64)
		entry, _ := record.ValueByKey("entry_price").(float64)
		stop, _ := record.ValueByKey("stop_price").(float64)
		attempts, _ := record.ValueByKey("stop_attempts").(int64)
		closed, _ := record.ValueByKey("emergency_closed").(bool)

		trades = append(trades, models.TradeOutcome{
			Symbol:          symbol,
			Side:            models.Side(side),
			Status:          models.TradeStatus(status),
			Reason:          reason,
			Quantity:        decimal.NewFromFloat(quantity),
			EntryPrice:      decimal.NewFromFloat(entry),
			StopPrice:       decimal.NewFromFloat(stop),
			StopAttempts:    int(attempts),
			EmergencyClosed: closed,
			Timestamp:       record.Time(),
		})
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка обработки результатов: %w", result.Err())
	}

	return trades, nil
}
