package rabbitmq

import (
	"log/slog"

	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/delivery"
)

type options struct {
	logger    *slog.Logger
	codec     codec.Codec
	prefetch  int
	tagPrefix string
	onFailure delivery.FailureHook
}

// Option настраивает Provider.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:    slog.New(slog.DiscardHandler),
		codec:     codec.Default,
		prefetch:  10,
		tagPrefix: "dtx",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCodec устанавливает кодек полезной нагрузки.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithPrefetch ограничивает число неподтвержденных доставок на канал.
func WithPrefetch(n int) Option {
	return func(o *options) {
		o.prefetch = n
	}
}

// WithConsumerTagPrefix задает префикс тегов потребителей.
func WithConsumerTagPrefix(prefix string) Option {
	return func(o *options) {
		o.tagPrefix = prefix
	}
}

// WithFailureHook устанавливает функцию, вызываемую при сбое обработчика.
func WithFailureHook(hook delivery.FailureHook) Option {
	return func(o *options) {
		o.onFailure = hook
	}
}
