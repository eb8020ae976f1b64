// Package scheduler запускает задачу с фиксированным интервалом до отмены контекста.
package scheduler

import (
	"context"
	"time"

	"github.com/skalibog/bfexec/pkg/logger"
	"go.uber.org/zap"
)

// Job одна итерация работы
type Job func(ctx context.Context)

// Run вызывает job каждые interval, а при runOnStart и сразу при старте.
// Начатая итерация всегда доводится до конца, остановка проверяется только между итерациями.
// Пропущенные за время долгой итерации тики не накапливаются.
func Run(ctx context.Context, interval time.Duration, runOnStart bool, job Job) {
	if interval <= 0 {
		interval = time.Minute
	}

	logger.Info("Планировщик запущен",
		zap.Duration("interval", interval),
		zap.Bool("run_on_start", runOnStart))

	if runOnStart && ctx.Err() == nil {
		job(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Планировщик остановлен")
			return
		case <-ticker.C:
			// отмена могла прийти одновременно с тиком
			if ctx.Err() != nil {
				logger.Info("Планировщик остановлен")
				return
			}
			job(ctx)
		}
	}
}
