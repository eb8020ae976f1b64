package signals

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/internal/config"
	"github.com/skalibog/bfexec/pkg/logger"
	"github.com/skalibog/bfexec/pkg/models"
	"go.uber.org/zap"
)

const maxBodySize = 4 << 20

// Source HTTP-клиент сервиса сигналов
type Source struct {
	url           string
	client        *http.Client
	minConfidence float64
}

// NewSource создает источник сигналов
func NewSource(cfg config.SignalsConfig) *Source {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Source{
		url:           cfg.URL,
		client:        &http.Client{Timeout: timeout},
		minConfidence: cfg.MinConfidence,
	}
}

// Fetch запрашивает сигналы и возвращает прошедшие порог уверенности
func (s *Source) Fetch(ctx context.Context) ([]models.Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса сигналов: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &apperr.TransportError{Op: "signals", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &apperr.TransportError{Op: "signals", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apperr.TransportError{
			Op:  "signals",
			Err: fmt.Errorf("статус %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	decoded, err := Decode(body)
	if err != nil {
		return nil, err
	}
	accepted := Filter(decoded, s.minConfidence)

	logger.Debug("Получены сигналы",
		zap.Int("decoded", len(decoded)),
		zap.Int("accepted", len(accepted)),
		zap.Float64("min_confidence", s.minConfidence))
	return accepted, nil
}
