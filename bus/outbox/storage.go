package outbox

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage определяет контракт для персистентного хранения сообщений outbox.
// Все операции должны быть потокобезопасными.
type Storage interface {
	// Save сохраняет сообщение в хранилище.
	// Реализация ОБЯЗАНА извлечь объект транзакции из контекста, если он
	// там есть, и выполнить операцию в рамках этой транзакции.
	Save(ctx context.Context, msg *Message) error

	// Fetch извлекает необработанные сообщения в порядке создания.
	Fetch(ctx context.Context, limit int) ([]*Message, error)

	// MarkProcessed помечает сообщения как обработанные.
	MarkProcessed(ctx context.Context, ids ...uuid.UUID) error
}

// MemoryStorage - это хранилище outbox в памяти процесса.
type MemoryStorage struct {
	mu       sync.Mutex
	messages []*Message
}

// NewMemoryStorage создает пустое хранилище.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Save(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *msg
	c.Headers = maps.Clone(msg.Headers)
	s.messages = append(s.messages, &c)
	return nil
}

func (s *MemoryStorage) Fetch(_ context.Context, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, 0, limit)
	for _, m := range s.messages {
		if len(out) == limit {
			break
		}
		if m.Status == StatusPending {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStorage) MarkProcessed(_ context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, m := range s.messages {
		if slices.Contains(ids, m.ID) {
			m.Status = StatusProcessed
			m.ProcessedAt = &now
		}
	}
	return nil
}

// Pending возвращает число сообщений, ожидающих ретрансляции.
func (s *MemoryStorage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, m := range s.messages {
		if m.Status == StatusPending {
			n++
		}
	}
	return n
}
