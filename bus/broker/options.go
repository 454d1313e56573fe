package broker

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/queue"
)

// config содержит неэкспортируемую конфигурацию шины.
type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
	middlewares    []BusMiddleware
	journal        queue.Journal
	codec          codec.Codec
	provider       Provider
	onFailure      delivery.FailureHook
}

// Option определяет тип функциональных опций шины.
type Option func(*config)

func newConfig(opts []Option) *config {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.codec == nil {
		cfg.codec = codec.Default
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return cfg
}

// WithLogger устанавливает логгер. Он же включает middleware логирования.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider устанавливает провайдер трассировки OpenTelemetry.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider устанавливает провайдер метрик OpenTelemetry.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithPropagator устанавливает механизм распространения контекста
// трассировки через заголовки сообщений.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.propagator = propagator
	}
}

// WithMiddleware добавляет middleware в цепочку провайдера. Middleware
// выполняются в порядке добавления после встроенных.
func WithMiddleware(mw ...BusMiddleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithJournal подключает журнал долговечных очередей локального провайдера.
func WithJournal(j queue.Journal) Option {
	return func(c *config) {
		c.journal = j
	}
}

// WithCodec устанавливает кодек полезной нагрузки.
func WithCodec(c codec.Codec) Option {
	return func(cfg *config) {
		cfg.codec = c
	}
}

// WithProvider заменяет локальный провайдер, например на amqp.Provider.
// Топология в этом случае объявляется самим провайдером.
func WithProvider(p Provider) Option {
	return func(c *config) {
		c.provider = p
	}
}

// WithFailureHook задает функцию, которая получает каждую неудачную доставку.
func WithFailureHook(hook delivery.FailureHook) Option {
	return func(c *config) {
		c.onFailure = hook
	}
}
