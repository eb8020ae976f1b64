// Package apperr описывает типизированные ошибки движка исполнения.
package apperr

import (
	"errors"
	"fmt"
)

// ErrPrecisionUnavailable символ отсутствует в метаданных биржи
var ErrPrecisionUnavailable = errors.New("правила точности для символа недоступны")

// ConfigError ошибка конфигурации, фатальна при запуске
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ошибка конфигурации %s: %s", e.Field, e.Reason)
}

// TransportError сетевая ошибка или таймаут при обращении к внешнему сервису
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ошибка транспорта (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError структурированный отказ биржи с кодом
type RejectionError struct {
	Op   string
	Code int64
	Msg  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("биржа отклонила запрос (%s): код %d: %s", e.Op, e.Code, e.Msg)
}

// ValidationError рассчитанные значения не прошли проверку, ордер не отправлялся
type ValidationError struct {
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("проверка не пройдена для %s: %s", e.Symbol, e.Reason)
}

// UnprotectedPositionError не удалось ни поставить стоп, ни закрыть позицию.
// Требует немедленного вмешательства оператора.
type UnprotectedPositionError struct {
	Symbol   string
	StopErr  error
	CloseErr error
}

func (e *UnprotectedPositionError) Error() string {
	return fmt.Sprintf("позиция %s без защиты: стоп-лосс: %v; аварийное закрытие: %v", e.Symbol, e.StopErr, e.CloseErr)
}

func (e *UnprotectedPositionError) Unwrap() []error {
	return []error{e.StopErr, e.CloseErr}
}

// RejectionCode возвращает код отказа биржи, если он есть в цепочке ошибок
func RejectionCode(err error) (int64, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Code, true
	}
	return 0, false
}

// IsTransport true для сетевых ошибок
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
