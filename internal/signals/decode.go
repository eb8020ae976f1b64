// Package signals получает и нормализует сигналы внешнего сервиса прогнозов.
package signals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/skalibog/bfexec/pkg/models"
)

// ErrUnsupportedPayload JSON не совпадает ни с одним известным форматом
var ErrUnsupportedPayload = errors.New("неподдерживаемый формат сигналов")

// objectEntry элемент плоского массива объектов
type objectEntry struct {
	Symbol     string          `json:"symbol"`
	Confidence json.RawMessage `json:"confidence"`
}

// opportunity элемент массива opportunities
type opportunity struct {
	ModelID     string          `json:"model_id"`
	Probability json.RawMessage `json:"probability"`
}

type opportunitiesPayload struct {
	Opportunities *[]opportunity `json:"opportunities"`
}

// Decode разбирает ответ сервиса сигналов в одном из форматов:
// массив объектов {symbol, confidence}, массив строк "SYMBOL_DIRECTION score",
// объект {opportunities: [{model_id, probability}]} или простой текст построчно.
// Нераспознанные элементы отбрасываются.
func Decode(body []byte) ([]models.Signal, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return decodeLines(string(trimmed)), nil
	}

	switch trimmed[0] {
	case '[':
		return decodeArray(trimmed)
	case '{':
		return decodeOpportunities(trimmed)
	case '"':
		var line string
		if err := json.Unmarshal(trimmed, &line); err != nil {
			return nil, fmt.Errorf("ошибка разбора строки сигнала: %w", err)
		}
		return decodeLines(line), nil
	default:
		return nil, ErrUnsupportedPayload
	}
}

func decodeArray(data []byte) ([]models.Signal, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("ошибка разбора массива сигналов: %w", err)
	}

	out := make([]models.Signal, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		switch item[0] {
		case '{':
			var entry objectEntry
			if err := json.Unmarshal(item, &entry); err != nil {
				continue
			}
			conf, ok := parseScore(entry.Confidence)
			if !ok {
				continue
			}
			if sig, ok := newSignal(entry.Symbol, conf); ok {
				out = append(out, sig)
			}
		case '"':
			var line string
			if err := json.Unmarshal(item, &line); err != nil {
				continue
			}
			if sig, ok := parseDelimited(line); ok {
				out = append(out, sig)
			}
		}
	}
	return out, nil
}

func decodeOpportunities(data []byte) ([]models.Signal, error) {
	var payload opportunitiesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("ошибка разбора opportunities: %w", err)
	}
	if payload.Opportunities == nil {
		return nil, ErrUnsupportedPayload
	}

	out := make([]models.Signal, 0, len(*payload.Opportunities))
	for _, o := range *payload.Opportunities {
		conf, ok := parseScore(o.Probability)
		if !ok {
			continue
		}
		if sig, ok := newSignal(o.ModelID, conf); ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func decodeLines(text string) []models.Signal {
	var out []models.Signal
	for _, line := range strings.Split(text, "\n") {
		if sig, ok := parseDelimited(line); ok {
			out = append(out, sig)
		}
	}
	return out
}

// parseDelimited разбирает "PEPEUSDT_LONG 0.88" или "PEPEUSDT_LONG,0.88"
func parseDelimited(line string) (models.Signal, bool) {
	parts := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(parts) < 2 {
		return models.Signal{}, false
	}
	conf, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil {
		return models.Signal{}, false
	}
	return newSignal(strings.Join(parts[:len(parts)-1], " "), conf)
}

// parseScore принимает число, строку с числом или отсутствие значения (0)
func parseScore(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func newSignal(token string, confidence float64) (models.Signal, bool) {
	symbol, dir, ok := ParseSymbolDirection(token)
	if !ok {
		return models.Signal{}, false
	}
	return models.Signal{Symbol: symbol, Direction: dir, Confidence: confidence}, true
}

// ParseSymbolDirection извлекает символ и направление из токена.
// Поддерживаются суффиксы _LONG/_SHORT и вложенные маркеры _long_/_short_ (BOMEUSDT_long_v123).
func ParseSymbolDirection(token string) (string, models.Direction, bool) {
	upper := strings.ToUpper(strings.TrimSpace(token))

	var symbol string
	var dir models.Direction
	switch {
	case strings.HasSuffix(upper, "_LONG"):
		symbol, dir = strings.TrimSuffix(upper, "_LONG"), models.Long
	case strings.HasSuffix(upper, "_SHORT"):
		symbol, dir = strings.TrimSuffix(upper, "_SHORT"), models.Short
	default:
		long := strings.Index(upper, "_LONG_")
		short := strings.Index(upper, "_SHORT_")
		switch {
		case long >= 0 && (short < 0 || long < short):
			symbol, dir = upper[:long], models.Long
		case short >= 0:
			symbol, dir = upper[:short], models.Short
		default:
			return "", "", false
		}
	}

	if !validSymbol(symbol) {
		return "", "", false
	}
	return symbol, dir, true
}

func validSymbol(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsUpper(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

// Filter оставляет сигналы с уверенностью не ниже порога
func Filter(in []models.Signal, minConfidence float64) []models.Signal {
	out := in[:0:0]
	for _, s := range in {
		if s.Confidence >= minConfidence {
			out = append(out, s)
		}
	}
	return out
}
