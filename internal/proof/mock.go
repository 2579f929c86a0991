package proof

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Mock выдает детерминированное доказательство: sha256 от канонического JSON записи.
// Подписи и расчетов в блокчейне здесь нет.
type Mock struct {
	mu    sync.Mutex
	calls int
	// Fail, если задан, возвращается вместо доказательства
	Fail error
}

func (m *Mock) Attest(ctx context.Context, record map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.calls++
	fail := m.Fail
	m.mu.Unlock()
	if fail != nil {
		return "", fail
	}

	// encoding/json сортирует ключи map, поэтому хэш стабилен
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("mock proof: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "mock:" + hex.EncodeToString(sum[:]), nil
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
