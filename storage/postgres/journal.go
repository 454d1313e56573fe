package postgres

import (
	"context"
	"fmt"

	"github.com/x-research-team/dtx-exchange/bus/message"
)

const (
	createJournalTableQuery = `
CREATE TABLE IF NOT EXISTS queue_journal (
    seq BIGSERIAL,
    queue VARCHAR(255) NOT NULL,
    id VARCHAR(64) NOT NULL,
    exchange VARCHAR(255) NOT NULL,
    routing_key VARCHAR(255) NOT NULL,
    content_type VARCHAR(255) NOT NULL,
    body BYTEA NOT NULL,
    headers JSONB,
    published_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_queue_journal_queue_seq ON queue_journal (queue, seq);
`

	appendJournalQuery = `
INSERT INTO queue_journal (queue, id, exchange, routing_key, content_type, body, headers, published_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

	removeJournalQuery = `
DELETE FROM queue_journal WHERE queue = $1 AND id = $2;
`

	loadJournalQuery = `
SELECT id, exchange, routing_key, content_type, body, headers, published_at
FROM queue_journal
WHERE queue = $1
ORDER BY seq;
`
)

// Journal - это реализация queue.Journal для PostgreSQL. Неподтвержденные
// сообщения долговечных очередей переживают перезапуск процесса.
type Journal struct {
	db Querier
}

// NewJournal создает журнал и его таблицу, если она не существует.
func NewJournal(ctx context.Context, db Querier) (*Journal, error) {
	if _, err := db.Exec(ctx, createJournalTableQuery); err != nil {
		return nil, fmt.Errorf("не удалось создать таблицу queue_journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Append(ctx context.Context, queue string, msg message.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("не удалось сериализовать заголовки: %w", err)
	}

	_, err = querier(ctx, j.db).Exec(ctx, appendJournalQuery,
		queue,
		msg.ID,
		msg.Exchange,
		msg.RoutingKey,
		msg.ContentType,
		msg.Body,
		headers,
		msg.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("не удалось записать сообщение %s в журнал очереди %s: %w", msg.ID, queue, err)
	}
	return nil
}

func (j *Journal) Remove(ctx context.Context, queue string, id string) error {
	if _, err := querier(ctx, j.db).Exec(ctx, removeJournalQuery, queue, id); err != nil {
		return fmt.Errorf("не удалось удалить сообщение %s из журнала очереди %s: %w", id, queue, err)
	}
	return nil
}

func (j *Journal) Load(ctx context.Context, queue string) ([]message.Message, error) {
	rows, err := querier(ctx, j.db).Query(ctx, loadJournalQuery, queue)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить журнал очереди %s: %w", queue, err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		msg := message.Message{Queue: queue}
		var headers []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.Exchange,
			&msg.RoutingKey,
			&msg.ContentType,
			&msg.Body,
			&headers,
			&msg.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("не удалось сканировать сообщение журнала: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &msg.Headers); err != nil {
				return nil, fmt.Errorf("не удалось десериализовать заголовки: %w", err)
			}
		}
		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при итерации по журналу: %w", err)
	}
	return out, nil
}
