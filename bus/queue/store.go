package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/x-research-team/dtx-exchange/bus/message"
)

// Store - это реестр почтовых ящиков. Очереди объявляются при запуске и не
// удаляются во время работы.
type Store struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	opts   []Option
	o      options
}

// NewStore создает пустое хранилище очередей. Опции применяются ко всем
// объявляемым очередям.
func NewStore(opts ...Option) *Store {
	return &Store{
		queues: make(map[string]*Queue),
		opts:   opts,
		o:      newOptions(opts),
	}
}

// Declare объявляет очередь. Повторное объявление с той же конфигурацией
// возвращает существующую очередь. Долговечная очередь восстанавливает
// неподтвержденные сообщения из журнала.
func (s *Store) Declare(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.queues[cfg.Name]; ok {
		if existing.cfg != cfg {
			return nil, fmt.Errorf("%w: %s", ErrQueueExists, cfg.Name)
		}
		return existing, nil
	}

	q, err := New(cfg, s.opts...)
	if err != nil {
		return nil, err
	}

	if q.journal != nil {
		msgs, err := q.journal.Load(ctx, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("queue: не удалось восстановить очередь %s из журнала: %w", cfg.Name, err)
		}
		q.restore(msgs)
		if len(msgs) > 0 {
			s.o.logger.Info("очередь восстановлена из журнала",
				slog.String("queue", cfg.Name),
				slog.Int("count", len(msgs)),
			)
		}
	}

	s.queues[cfg.Name] = q
	return q, nil
}

// Queue возвращает очередь по имени.
func (s *Store) Queue(name string) (*Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[name]
	return q, ok
}

// Has сообщает, объявлена ли очередь.
func (s *Store) Has(name string) bool {
	_, ok := s.Queue(name)
	return ok
}

// Enqueue ставит сообщение в очередь name.
func (s *Store) Enqueue(ctx context.Context, name string, msg message.Message) (bool, error) {
	q, ok := s.Queue(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q.Enqueue(ctx, msg)
}

// Dequeue извлекает первое сообщение очереди без ожидания.
func (s *Store) Dequeue(name string) (message.Message, bool) {
	q, ok := s.Queue(name)
	if !ok {
		return message.Message{}, false
	}
	return q.TryDequeue()
}

// Names возвращает отсортированные имена очередей.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Stats возвращает снимки всех очередей, отсортированные по имени.
func (s *Store) Stats() []Stats {
	names := s.Names()
	stats := make([]Stats, 0, len(names))
	for _, name := range names {
		if q, ok := s.Queue(name); ok {
			stats = append(stats, q.Stats())
		}
	}
	return stats
}
