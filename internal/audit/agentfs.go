package audit

/*
Файл agentfs.go реализует журнал контура безопасности — асинхронный сборщик событий
изменения состояния (Audit Trail) с пакетной записью.

- Non-blocking Logging: сервисы пишут в буферизированный канал уже после снятия своих мьютексов,
  поэтому задержки БД и Redis не влияют на гейтинг действий агентов.
- Batching: события копятся в памяти и сбрасываются пачкой по таймеру или при достижении BatchSize.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
- Retry: сброс пачки повторяется FlushAttempts раз с экспоненциальной паузой, каждое хранилище
  веера MultiStorage повторяется отдельно. После последней попытки пачка отбрасывается с Error-логом.
- Load Shedding: при переполнении буфера событие отбрасывается с Error-логом.
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

// Auditor — то, что нужно сервисам ядра. Log никогда не блокируется.
type Auditor interface {
	Log(event AuditEvent)
}

// Discard — Auditor по умолчанию, когда журнал не подключен.
type Discard struct{}

func (Discard) Log(AuditEvent) {}

// Options настраивает размер буфера и частоту сброса.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// FlushAttempts — сколько раз пытаться записать пачку в одно хранилище.
	FlushAttempts uint
	FlushDelay    time.Duration
	// OnDepth вызывается после приема события с текущей заполненностью буфера (backpressure-метрика).
	OnDepth func(depth int)
}

func (o *Options) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.FlushAttempts == 0 {
		o.FlushAttempts = 3
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 100 * time.Millisecond
	}
}

type AgentFS struct {
	ch     chan AuditEvent    // Буфер для асинхронности
	sinks  []StorageInterface // Postgres, Redis; веер разложен, чтобы повторять запись по отдельности
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	// closed защищен mu: Log держит RLock на время отправки, Stop берет Lock перед close(ch).
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts Options) *AgentFS {
	opts.withDefaults()
	sinks := []StorageInterface{repo}
	if multi, ok := repo.(MultiStorage); ok {
		sinks = multi
	}
	return &AgentFS{
		ch:     make(chan AuditEvent, opts.BufferSize),
		sinks:  sinks,
		logger: logger.With(zap.String("mod", "agentfs")),
		opts:   opts,
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("journal stopped gracefully")
}

func (fs *AgentFS) Log(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		fs.logger.Warn("journal event dropped: journal is stopping",
			zap.String("id", event.ID), zap.String("kind", string(event.Kind)))
		return
	}

	select {
	case fs.ch <- event:
		if fs.opts.OnDepth != nil {
			fs.opts.OnDepth(len(fs.ch))
		}
	default:
		fs.logger.Error("journal_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("agent_id", event.AgentID),
			zap.String("entity_id", event.EntityID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, sink := range fs.sinks {
			fs.write(sink, batch)
		}
		batch = make([]AuditEvent, 0, fs.opts.BatchSize)
		if fs.opts.OnDepth != nil {
			fs.opts.OnDepth(len(fs.ch))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush() // Финальный сброс
				fs.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write пишет пачку в одно хранилище с повторами. Неудачная пачка отбрасывается.
func (fs *AgentFS) write(sink StorageInterface, batch []AuditEvent) {
	r := retry.New(
		// Background: основной контекст может быть уже закрыт
		retry.Context(context.Background()),
		retry.Attempts(fs.opts.FlushAttempts),
		retry.Delay(fs.opts.FlushDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			fs.logger.Warn("journal flush retry", zap.Uint("attempt", n+1), zap.Int("events", len(batch)), zap.Error(err))
		}),
	)
	err := r.Do(func() error {
		return sink.WriteBatch(context.Background(), batch)
	})
	if err != nil {
		fs.logger.Error("journal flush failed, batch dropped", zap.Int("events", len(batch)), zap.Error(err))
	}
}

// MultiStorage раздает одну пачку нескольким хранилищам. Ошибка одного не мешает остальным.
type MultiStorage []StorageInterface

func (m MultiStorage) WriteBatch(ctx context.Context, events []AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
