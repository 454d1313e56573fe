// Package message определяет сообщение, которое маршрутизатор передает от
// издателя через точку обмена в очереди и далее обработчикам.
package message

import (
	"maps"
	"time"
)

// Message — неизменяемое сообщение с сериализованной полезной нагрузкой и
// метаданными маршрутизации. После публикации сообщение не изменяется:
// каждая очередь и каждый обработчик получают собственную копию.
type Message struct {
	// ID — уникальный идентификатор сообщения (UUID), общий для всех копий
	// одной публикации.
	ID string
	// Exchange — имя точки обмена, в которую было опубликовано сообщение.
	Exchange string
	// RoutingKey — ключ маршрутизации, указанный издателем.
	RoutingKey string
	// Queue — очередь, которой принадлежит данная копия. Пусто до постановки в очередь.
	Queue string
	// ContentType описывает кодировку Body, например "application/json".
	ContentType string
	// Body — сериализованная полезная нагрузка.
	Body []byte
	// Headers — метаданные, в том числе контекст трассировки.
	Headers map[string]string
	// PublishedAt — время публикации.
	PublishedAt time.Time
}

// Clone возвращает глубокую копию сообщения.
func (m Message) Clone() Message {
	c := m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	return c
}

// WithQueue возвращает копию сообщения, принадлежащую очереди queue.
func (m Message) WithQueue(queue string) Message {
	c := m.Clone()
	c.Queue = queue
	return c
}

// Header возвращает значение заголовка или пустую строку.
func (m Message) Header(key string) string {
	return m.Headers[key]
}

// Metadata возвращает заголовки сообщения. Используется для извлечения
// контекста трассировки.
func (m Message) Metadata() map[string]string {
	return m.Headers
}
