// Package proof — клиент внешнего сервиса on-chain доказательств. Сервис принимает запись решения
// и возвращает непрозрачную строку-доказательство. Ядро контура к нему не обращается:
// вызовы делает engine уже после снятия блокировок сторов.
package proof

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured — адрес сервиса доказательств не задан.
var ErrNotConfigured = errors.New("proof: service address is not configured")

// Provider выпускает доказательство для записи решения.
type Provider interface {
	Attest(ctx context.Context, record map[string]any) (string, error)
}

// ThrottleError — сервис попросил подождать (аналог Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
