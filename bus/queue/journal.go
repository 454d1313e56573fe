package queue

import (
	"context"
	"slices"
	"sync"

	"github.com/x-research-team/dtx-exchange/bus/message"
)

// Journal определяет контракт персистентного хранения сообщений долговечных
// очередей. Все операции должны быть потокобезопасными.
type Journal interface {
	// Append сохраняет сообщение до того, как очередь его примет.
	Append(ctx context.Context, queue string, msg message.Message) error

	// Remove удаляет подтвержденное сообщение.
	Remove(ctx context.Context, queue string, id string) error

	// Load возвращает неподтвержденные сообщения очереди в порядке добавления.
	Load(ctx context.Context, queue string) ([]message.Message, error)
}

// MemoryJournal - это журнал в памяти процесса. Переживает пересоздание Store
// внутри одного процесса.
type MemoryJournal struct {
	mu     sync.Mutex
	queues map[string][]message.Message
}

// NewMemoryJournal создает пустой журнал в памяти.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{queues: make(map[string][]message.Message)}
}

func (j *MemoryJournal) Append(_ context.Context, queue string, msg message.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.queues[queue] = append(j.queues[queue], msg.Clone())
	return nil
}

func (j *MemoryJournal) Remove(_ context.Context, queue string, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.queues[queue] = slices.DeleteFunc(j.queues[queue], func(m message.Message) bool {
		return m.ID == id
	})
	return nil
}

func (j *MemoryJournal) Load(_ context.Context, queue string) ([]message.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]message.Message, 0, len(j.queues[queue]))
	for _, m := range j.queues[queue] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Len возвращает число неподтвержденных сообщений очереди.
func (j *MemoryJournal) Len(queue string) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.queues[queue])
}
