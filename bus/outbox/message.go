// Package outbox реализует паттерн Transactional Outbox: публикация
// сохраняется в хранилище в той же транзакции, что и бизнес-данные, а
// ретранслятор позже доставляет ее в шину.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

const (
	// StatusPending означает, что сообщение ожидает ретрансляции.
	StatusPending = "PENDING"
	// StatusProcessed означает, что сообщение было успешно опубликовано.
	StatusProcessed = "PROCESSED"
)

// Message представляет публикацию, сохраненную в хранилище outbox.
type Message struct {
	ID          uuid.UUID         // Уникальный идентификатор, он же ID сообщения в шине
	Exchange    string            // Точка обмена назначения
	RoutingKey  string            // Ключ маршрутизации
	Payload     []byte            // Сериализованное тело
	Headers     map[string]string // Заголовки (для трассировки и т.д.)
	Mandatory   bool              // Немаршрутизируемое сообщение остается в outbox
	Status      string            // Статус (PENDING, PROCESSED)
	CreatedAt   time.Time         // Время создания
	ProcessedAt *time.Time        // Время ретрансляции
}
