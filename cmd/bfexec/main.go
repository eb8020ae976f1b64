package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/internal/engine"
	"github.com/skalibog/bfexec/internal/exchange"
	"github.com/skalibog/bfexec/internal/execution"
	"github.com/skalibog/bfexec/internal/metrics"
	"github.com/skalibog/bfexec/internal/precision"
	"github.com/skalibog/bfexec/internal/safety"
	"github.com/skalibog/bfexec/internal/scheduler"
	"github.com/skalibog/bfexec/internal/signals"
	"github.com/skalibog/bfexec/internal/storage"
	"github.com/skalibog/bfexec/internal/ui"
	"github.com/skalibog/bfexec/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	once := flag.Bool("once", false, "выполнить один цикл и выйти")
	withUI := flag.Bool("ui", false, "запустить терминальный интерфейс")
	flag.Parse()

	if err := run(*configPath, *once, *withUI); err != nil {
		logger.Error("Ошибка запуска", zap.Error(err))
		logger.Sync()
		fmt.Fprintf(os.Stderr, "bfexec: %v\n", err)
		os.Exit(1)
	}
	logger.Sync()
}

func run(configPath string, once, withUI bool) error {
	// Переменные окружения из .env не перекрывают уже заданные
	config.LoadEnv(".env")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	if withUI {
		cfg.UI.Enabled = true
	}

	if err := logger.Init(logger.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		JSONFile: cfg.Log.JSONFile,
		// вывод в терминал мешает интерфейсу
		Console:  !cfg.UI.Enabled,
		Truncate: cfg.UI.Enabled,
	}); err != nil {
		return fmt.Errorf("ошибка инициализации логгера: %w", err)
	}
	logger.Info("Конфигурация загружена",
		zap.String("path", configPath),
		zap.Bool("testnet", cfg.Binance.Testnet),
		zap.Int("leverage", cfg.Trading.Leverage),
		zap.Float64("margin_cap_pct", cfg.Trading.EffectiveMarginCap()))

	// Создаем контекст, отменяемый сигналами завершения
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализируем клиент биржи
	client, err := exchange.NewBinanceClient(cfg.Binance)
	if err != nil {
		return fmt.Errorf("ошибка инициализации клиента биржи: %w", err)
	}
	if err := client.WaitReady(ctx, cfg.Binance.PingAttempts); err != nil {
		return fmt.Errorf("биржа недоступна: %w", err)
	}

	// Инициализируем журнал
	var journal storage.Journal = storage.NopJournal{}
	if cfg.Storage.Enabled {
		influx, err := storage.NewInfluxJournal(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("ошибка инициализации хранилища: %w", err)
		}
		journal = influx
	}
	defer journal.Close()

	if cfg.Metrics.Enabled {
		srv, err := metrics.Serve(cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("ошибка запуска сервера метрик: %w", err)
		}
		defer shutdownServer(srv)
	}

	opener := execution.NewOpener(client, precision.NewResolver(client), execution.ParamsFromConfig(cfg.Trading))
	eng := engine.New(engine.Deps{
		Account:      client,
		Signals:      signals.NewSource(cfg.Signals),
		Opener:       opener,
		Gate:         safety.NewGate(safety.SettingsFromConfig(cfg), time.Now),
		Aliases:      signals.NewAliasTable(cfg.Signals.Aliases),
		Journal:      journal,
		MaxPositions: cfg.Trading.MaxConcurrentPositions,
	})

	job := func(ctx context.Context) {
		if _, err := eng.RunCycle(ctx); err != nil && !errors.Is(err, engine.ErrCycleInProgress) {
			logger.Error("Ошибка торгового цикла", zap.Error(err))
		}
	}

	if once {
		job(ctx)
		return nil
	}

	if !cfg.UI.Enabled {
		scheduler.Run(ctx, cfg.Scheduler.Interval(), cfg.Scheduler.RunOnStart, job)
		logger.Info("Завершение работы")
		return nil
	}

	// Планировщик в отдельной горутине, интерфейс в основном потоке
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx, cfg.Scheduler.Interval(), cfg.Scheduler.RunOnStart, job)
	}()

	term := ui.NewTermUI(cfg.UI, cfg.Log.JSONFile, eng, journal, stop)
	if err := term.Start(ctx); err != nil {
		logger.Error("Ошибка пользовательского интерфейса", zap.Error(err))
	}
	stop()

	// Начатый цикл доводится до конца
	<-done
	logger.Info("Завершение работы")
	return nil
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Ошибка остановки сервера метрик", zap.Error(err))
	}
}
