// Package metrics экспортирует метрики Prometheus и проверку живости.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skalibog/bfexec/pkg/logger"
	"go.uber.org/zap"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bfexec_cycles_total", Help: "Торговые циклы по результату"},
		[]string{"result"}, // completed|skipped|busy
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bfexec_orders_total", Help: "Отправленные ордера"},
		[]string{"symbol", "side", "kind"}, // kind: entry|stop|emergency_close
	)
	TradeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bfexec_trade_attempts_total", Help: "Попытки открыть позицию"},
		[]string{"result"}, // opened|failed|skipped
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bfexec_alerts_total", Help: "Оповещения оператора"},
		[]string{"kind"},
	)
	BreakerTripped = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bfexec_breaker_tripped", Help: "1, если предохранитель сработал"},
	)
	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bfexec_consecutive_failures", Help: "Неудачи подряд"},
	)
	MarginUsagePct = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bfexec_margin_usage_pct", Help: "Использование маржи, %"},
	)
	WalletBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bfexec_wallet_balance_usdt", Help: "Баланс кошелька, USDT"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal, OrdersTotal, TradeAttemptsTotal, AlertsTotal)
	prometheus.MustRegister(BreakerTripped, ConsecutiveFailures, MarginUsagePct, WalletBalance)
}

// ObserveOrder учитывает отправленный ордер
func ObserveOrder(symbol, side, kind string) {
	OrdersTotal.WithLabelValues(symbol, side, kind).Inc()
}

// SetBreaker обновляет состояние предохранителя
func SetBreaker(tripped bool, failures int) {
	if tripped {
		BreakerTripped.Set(1)
	} else {
		BreakerTripped.Set(0)
	}
	ConsecutiveFailures.Set(float64(failures))
}

// Handler маршруты /metrics и /health
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

// Serve занимает адрес и обслуживает метрики в фоне.
// Ошибка возвращается сразу, если адрес занят.
func Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка запуска сервера метрик на %s: %w", addr, err)
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Сервер метрик остановлен с ошибкой", zap.Error(err))
		}
	}()

	logger.Info("Сервер метрик запущен", zap.String("addr", srv.Addr))
	return srv, nil
}
