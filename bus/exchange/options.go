package exchange

import (
	"log/slog"
	"maps"

	"github.com/x-research-team/dtx-exchange/bus/codec"
)

type options struct {
	codec  codec.Codec
	logger *slog.Logger
}

// Option - это функциональная опция маршрутизатора.
type Option func(*options)

// WithCodec устанавливает кодек полезной нагрузки. По умолчанию codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithLogger устанавливает логгер маршрутизатора.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type publishOptions struct {
	headers   map[string]string
	messageID string
	mandatory bool
}

// PublishOption - это функциональная опция публикации.
type PublishOption func(*publishOptions)

// WithHeaders добавляет заголовки сообщения.
func WithHeaders(headers map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		maps.Copy(o.headers, headers)
	}
}

// WithMessageID задает идентификатор сообщения вместо сгенерированного.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageID = id
	}
}

// WithMandatory требует, чтобы сообщение попало хотя бы в одну очередь.
// Иначе Publish возвращает ErrUnroutable.
func WithMandatory() PublishOption {
	return func(o *publishOptions) {
		o.mandatory = true
	}
}

// Apply возвращает заголовки, идентификатор и признак mandatory, заданные
// опциями. Используется провайдерами, которые публикуют без Router.
func Apply(opts ...PublishOption) (headers map[string]string, messageID string, mandatory bool) {
	po := publishOptions{}
	for _, opt := range opts {
		opt(&po)
	}
	return po.headers, po.messageID, po.mandatory
}
