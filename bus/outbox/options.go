package outbox

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/x-research-team/dtx-exchange/bus/codec"
)

// Option определяет функцию для конфигурации OutboxMiddleware.
type Option func(*OutboxMiddleware)

// WithExchanges ограничивает перехват перечисленными точками обмена.
// Публикации в остальные точки обмена проходят в шину напрямую.
func WithExchanges(names ...string) Option {
	return func(m *OutboxMiddleware) {
		if m.exchanges == nil {
			m.exchanges = make(map[string]struct{}, len(names))
		}
		for _, name := range names {
			m.exchanges[name] = struct{}{}
		}
	}
}

// WithCodec устанавливает кодек, которым сериализуется полезная нагрузка.
// Он должен совпадать с кодеком шины.
func WithCodec(c codec.Codec) Option {
	return func(m *OutboxMiddleware) {
		m.codec = c
	}
}

// RelayOption определяет функцию для конфигурации Relay.
type RelayOption func(*Relay)

// WithInterval устанавливает интервал опроса хранилища.
func WithInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		r.interval = interval
	}
}

// WithLimit устанавливает максимальное количество сообщений, извлекаемых за один раз.
func WithLimit(limit int) RelayOption {
	return func(r *Relay) {
		r.limit = limit
	}
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithPropagator устанавливает пропагатор, которым из заголовков сохраненного
// сообщения восстанавливается контекст трассировки.
func WithPropagator(p propagation.TextMapPropagator) RelayOption {
	return func(r *Relay) {
		r.propagator = p
	}
}
