package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Declare(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()

	q1, err := store.Declare(ctx, Config{Name: "q_mail", Durable: true})
	require.NoError(t, err)

	q2, err := store.Declare(ctx, Config{Name: "q_mail", Durable: true})
	require.NoError(t, err)
	assert.Same(t, q1, q2, "повторное объявление возвращает ту же очередь")

	_, err = store.Declare(ctx, Config{Name: "q_mail"})
	assert.ErrorIs(t, err, ErrQueueExists)

	_, err = store.Declare(ctx, Config{})
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = store.Declare(ctx, Config{Name: "q_app"})
	require.NoError(t, err)

	assert.True(t, store.Has("q_app"))
	assert.False(t, store.Has("q_unknown"))
	assert.Equal(t, []string{"q_app", "q_mail"}, store.Names())
}

func TestStore_EnqueueDequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	_, err := store.Declare(ctx, Config{Name: "q_mail", Durable: true})
	require.NoError(t, err)

	accepted, err := store.Enqueue(ctx, "q_mail", newMessage("1"))
	require.NoError(t, err)
	assert.True(t, accepted)

	_, err = store.Enqueue(ctx, "q_unknown", newMessage("2"))
	assert.ErrorIs(t, err, ErrQueueNotFound)

	msg, ok := store.Dequeue("q_mail")
	require.True(t, ok)
	assert.Equal(t, "1", msg.ID)

	_, ok = store.Dequeue("q_unknown")
	assert.False(t, ok)

	stats := store.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "q_mail", stats[0].Name)
	assert.Equal(t, 1, stats[0].InFlight)
}

func TestStore_RestoreFromJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	journal := NewMemoryJournal()

	first := NewStore(WithJournal(journal))
	q, err := first.Declare(ctx, Config{Name: "q_mail", Durable: true})
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		_, err := q.Enqueue(ctx, newMessage(id))
		require.NoError(t, err)
	}
	msg, _ := q.TryDequeue()
	require.NoError(t, q.Ack(ctx, msg.ID))

	// Сообщение "2" извлечено, но не подтверждено: после перезапуска оно
	// должно быть доставлено повторно.
	_, _ = q.TryDequeue()

	second := NewStore(WithJournal(journal))
	restored, err := second.Declare(ctx, Config{Name: "q_mail", Durable: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"2", "3"}, drain(t, restored))
}
