package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/x-research-team/dtx-exchange/bus/outbox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Индекс по статусу и времени создания для быстрой выборки ожидающих сообщений.
	createOutboxTableQuery = `
CREATE TABLE IF NOT EXISTS outbox (
    id UUID PRIMARY KEY,
    exchange VARCHAR(255) NOT NULL,
    routing_key VARCHAR(255) NOT NULL,
    payload BYTEA NOT NULL,
    headers JSONB,
    mandatory BOOLEAN NOT NULL DEFAULT FALSE,
    status VARCHAR(50) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    processed_at TIMESTAMPTZ
);
ALTER TABLE outbox ADD COLUMN IF NOT EXISTS mandatory BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_outbox_status_created_at ON outbox (status, created_at);
`

	insertOutboxQuery = `
INSERT INTO outbox (id, exchange, routing_key, payload, headers, mandatory, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

	// FOR UPDATE SKIP LOCKED позволяет нескольким ретрансляторам работать
	// параллельно, если выборка выполняется в транзакции из контекста.
	fetchOutboxQuery = `
SELECT id, exchange, routing_key, payload, headers, mandatory, status, created_at, processed_at
FROM outbox
WHERE status = $1
ORDER BY created_at
LIMIT $2
FOR UPDATE SKIP LOCKED;
`

	markOutboxProcessedQuery = `
UPDATE outbox
SET status = $1, processed_at = $2
WHERE id = ANY($3);
`
)

// OutboxStorage - это реализация outbox.Storage для PostgreSQL.
type OutboxStorage struct {
	db Querier
}

// NewOutboxStorage создает хранилище и таблицу outbox, если она не существует.
func NewOutboxStorage(ctx context.Context, db Querier) (*OutboxStorage, error) {
	if _, err := db.Exec(ctx, createOutboxTableQuery); err != nil {
		return nil, fmt.Errorf("не удалось создать таблицу outbox: %w", err)
	}
	return &OutboxStorage{db: db}, nil
}

// Save сохраняет сообщение. Если в контексте есть транзакция (WithTx),
// запись выполняется в ней.
func (s *OutboxStorage) Save(ctx context.Context, msg *outbox.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("не удалось сериализовать заголовки: %w", err)
	}

	_, err = querier(ctx, s.db).Exec(ctx, insertOutboxQuery,
		msg.ID,
		msg.Exchange,
		msg.RoutingKey,
		msg.Payload,
		headers,
		msg.Mandatory,
		msg.Status,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("не удалось сохранить сообщение в outbox: %w", err)
	}

	return nil
}

// Fetch извлекает необработанные сообщения из хранилища.
func (s *OutboxStorage) Fetch(ctx context.Context, limit int) ([]*outbox.Message, error) {
	rows, err := querier(ctx, s.db).Query(ctx, fetchOutboxQuery, outbox.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("не удалось извлечь сообщения из outbox: %w", err)
	}
	defer rows.Close()

	messages := make([]*outbox.Message, 0)
	for rows.Next() {
		var msg outbox.Message
		var headers []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.Exchange,
			&msg.RoutingKey,
			&msg.Payload,
			&headers,
			&msg.Mandatory,
			&msg.Status,
			&msg.CreatedAt,
			&msg.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("не удалось сканировать сообщение: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &msg.Headers); err != nil {
				return nil, fmt.Errorf("не удалось десериализовать заголовки: %w", err)
			}
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при итерации по сообщениям: %w", err)
	}

	return messages, nil
}

// MarkProcessed помечает сообщения как обработанные.
func (s *OutboxStorage) MarkProcessed(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	processedAt := time.Now().UTC()
	_, err := querier(ctx, s.db).Exec(ctx, markOutboxProcessedQuery, outbox.StatusProcessed, processedAt, ids)
	if err != nil {
		return fmt.Errorf("не удалось пометить сообщения как обработанные: %w", err)
	}

	return nil
}
