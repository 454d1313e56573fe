package broker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
	"github.com/x-research-team/dtx-exchange/bus/message"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-exchange/bus/broker"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "messaging."
	messagingSystem        = "dtx-exchange"
)

// BusMiddleware определяет интерфейс для middleware шины. Middleware
// добавляет сквозную функциональность вокруг публикации и обработки.
type BusMiddleware interface {
	// Wrap оборачивает следующий провайдер в цепочке, добавляя свою логику.
	Wrap(next Provider) Provider
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc func(next Provider) Provider

// Wrap реализует интерфейс BusMiddleware.
func (f MiddlewareFunc) Wrap(next Provider) Provider {
	return f(next)
}

// handlerName возвращает имя обработчика из опций или имя функции и
// добавляет его в опции, чтобы все слои цепочки видели одно имя.
func handlerName(handler delivery.Handler, opts []delivery.SubscribeOption) (string, []delivery.SubscribeOption) {
	if name := delivery.NameOf(opts...); name != "" {
		return name, opts
	}
	name := delivery.HandlerName(handler)
	return name, append(opts, delivery.WithName(name))
}

// loggingMiddleware реализует BusMiddleware для логирования операций.
type loggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
// Если логгер не предоставлен (nil), возвращается no-op middleware.
func NewLoggingMiddleware(logger *slog.Logger) BusMiddleware {
	if logger == nil {
		return noopMiddleware{}
	}
	return &loggingMiddleware{logger: logger}
}

// Wrap оборачивает провайдер для добавления логирования.
func (m *loggingMiddleware) Wrap(next Provider) Provider {
	return &loggingProvider{next: next, logger: m.logger}
}

// loggingProvider - это обертка над провайдером, которая добавляет логирование.
type loggingProvider struct {
	next   Provider
	logger *slog.Logger
}

// Publish логирует и публикует сообщение.
func (p *loggingProvider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (res PublishResult, err error) {
	payloadType := getPayloadType(payload)
	startTime := time.Now()

	res, err = p.next.Publish(ctx, exchangeName, routingKey, payload, opts...)

	attrs := []any{
		slog.String("exchange", exchangeName),
		slog.String("routing_key", routingKey),
		slog.String("payload_type", payloadType),
		slog.String("message_id", res.MessageID),
		slog.Duration("duration", time.Since(startTime)),
	}
	switch {
	case err != nil:
		p.logger.Error("ошибка публикации сообщения", append(attrs, slog.Any("error", err))...)
	case len(res.Errors) > 0:
		p.logger.Warn("сообщение опубликовано с ошибками очередей",
			append(attrs, slog.Int("routed", res.Routed), slog.Any("error", res.Err()))...)
	default:
		p.logger.Info("сообщение опубликовано",
			append(attrs, slog.Int("routed", res.Routed), slog.Any("queues", res.Targets))...)
	}
	return res, err
}

// Subscribe логирует обработку каждого сообщения подписчиком.
func (p *loggingProvider) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	name, opts := handlerName(handler, opts)

	wrappedHandler := func(ctx context.Context, msg message.Message) (err error) {
		p.logger.Debug("начало обработки сообщения",
			slog.String("queue", queueName),
			slog.String("message_id", msg.ID),
			slog.String("handler_name", name),
		)

		startTime := time.Now()
		defer func() {
			duration := time.Since(startTime)
			if err != nil {
				p.logger.Error("ошибка обработки сообщения",
					slog.String("queue", queueName),
					slog.String("message_id", msg.ID),
					slog.String("handler_name", name),
					slog.Any("error", err),
					slog.Duration("duration", duration),
				)
			} else {
				p.logger.Info("сообщение успешно обработано",
					slog.String("queue", queueName),
					slog.String("message_id", msg.ID),
					slog.String("handler_name", name),
					slog.Duration("duration", duration),
				)
			}
		}()

		return handler(ctx, msg)
	}

	sub, err := p.next.Subscribe(queueName, wrappedHandler, opts...)
	if err != nil {
		p.logger.Error("ошибка подписки", slog.String("queue", queueName), slog.String("handler_name", name), slog.Any("error", err))
		return nil, err
	}
	p.logger.Info("обработчик подписан на очередь", slog.String("queue", queueName), slog.String("handler_name", name))
	return sub, nil
}

// Unsubscribe делегирует вызов следующему провайдеру в цепочке.
func (p *loggingProvider) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	return p.next.Unsubscribe(queueName, sub)
}

// Shutdown делегирует вызов следующему провайдеру в цепочке.
func (p *loggingProvider) Shutdown(ctx context.Context) error {
	p.logger.Info("остановка шины")
	return p.next.Shutdown(ctx)
}

// metricsMiddleware реализует BusMiddleware для сбора метрик OpenTelemetry.
type metricsMiddleware struct {
	publishCounter      metric.Int64Counter
	routedCounter       metric.Int64Counter
	consumeCounter      metric.Int64Counter
	consumeDurationHist metric.Float64Histogram
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
func NewMetricsMiddleware(provider metric.MeterProvider) BusMiddleware {
	if provider == nil {
		return noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName)

	publishCounter, err := meter.Int64Counter(
		metricKeyPrefix+"publish.count",
		metric.WithDescription("Количество опубликованных сообщений"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик publish.count: %v", err))
	}

	routedCounter, err := meter.Int64Counter(
		metricKeyPrefix+"publish.routed",
		metric.WithDescription("Количество копий сообщений, принятых очередями"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик publish.routed: %v", err))
	}

	consumeCounter, err := meter.Int64Counter(
		metricKeyPrefix+"consume.count",
		metric.WithDescription("Количество обработанных сообщений"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик consume.count: %v", err))
	}

	consumeDurationHist, err := meter.Float64Histogram(
		metricKeyPrefix+"consume.duration",
		metric.WithDescription("Длительность обработки сообщения"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму consume.duration: %v", err))
	}

	return &metricsMiddleware{
		publishCounter:      publishCounter,
		routedCounter:       routedCounter,
		consumeCounter:      consumeCounter,
		consumeDurationHist: consumeDurationHist,
	}
}

// Wrap оборачивает провайдер для добавления сбора метрик.
func (m *metricsMiddleware) Wrap(next Provider) Provider {
	return &metricsProvider{next: next, m: m}
}

// metricsProvider - это обертка над провайдером, которая собирает метрики.
type metricsProvider struct {
	next Provider
	m    *metricsMiddleware
}

// Publish собирает метрики и публикует сообщение.
func (p *metricsProvider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (PublishResult, error) {
	res, err := p.next.Publish(ctx, exchangeName, routingKey, payload, opts...)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case res.Unroutable():
		status = "unroutable"
	case len(res.Errors) > 0:
		status = "partial"
	}

	attrs := metric.WithAttributes(
		attribute.String("messaging.destination.name", exchangeName),
		attribute.String("payload.type", getPayloadType(payload)),
		attribute.String("status", status),
	)
	p.m.publishCounter.Add(ctx, 1, attrs)
	if res.Routed > 0 {
		p.m.routedCounter.Add(ctx, int64(res.Routed), metric.WithAttributes(
			attribute.String("messaging.destination.name", exchangeName),
		))
	}
	return res, err
}

// Subscribe собирает метрики обработки для подписчика.
func (p *metricsProvider) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	name, opts := handlerName(handler, opts)

	wrappedHandler := func(ctx context.Context, msg message.Message) error {
		startTime := time.Now()
		err := handler(ctx, msg)
		duration := float64(time.Since(startTime).Milliseconds())

		status := "success"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("messaging.destination.name", queueName),
			attribute.String("handler.name", name),
			attribute.String("status", status),
		)
		p.m.consumeCounter.Add(ctx, 1, attrs)
		p.m.consumeDurationHist.Record(ctx, duration, attrs)
		return err
	}

	return p.next.Subscribe(queueName, wrappedHandler, opts...)
}

// Unsubscribe делегирует вызов следующему провайдеру.
func (p *metricsProvider) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	return p.next.Unsubscribe(queueName, sub)
}

// Shutdown делегирует вызов следующему провайдеру.
func (p *metricsProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// tracingMiddleware реализует BusMiddleware для распределенной трассировки OpenTelemetry.
type tracingMiddleware struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingMiddleware создает новое middleware для трассировки.
func NewTracingMiddleware(tp trace.TracerProvider, p propagation.TextMapPropagator) BusMiddleware {
	if tp == nil {
		return noopMiddleware{}
	}

	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}

	return &tracingMiddleware{
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
		propagator: p,
	}
}

// Wrap оборачивает провайдер для добавления логики трассировки.
func (m *tracingMiddleware) Wrap(next Provider) Provider {
	return &tracingProvider{next: next, tracer: m.tracer, propagator: m.propagator}
}

// tracingProvider - это обертка над провайдером, которая управляет спанами трассировки.
type tracingProvider struct {
	next       Provider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Publish создает спан публикации и передает контекст трассировки в заголовках.
func (p *tracingProvider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (res PublishResult, err error) {
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s publish", exchangeName),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", messagingSystem),
			attribute.String("messaging.operation.type", "publish"),
			attribute.String("messaging.destination.name", exchangeName),
			attribute.String("messaging.routing_key", routingKey),
			attribute.String("payload.type", getPayloadType(payload)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("messaging.message.id", res.MessageID),
			attribute.Int("messaging.routed_count", res.Routed),
		)
		span.End()
	}()

	carrier := propagation.MapCarrier{}
	p.propagator.Inject(ctx, carrier)
	if len(carrier) > 0 {
		opts = append(opts, exchange.WithHeaders(maps.Clone(carrier)))
	}

	return p.next.Publish(ctx, exchangeName, routingKey, payload, opts...)
}

// Subscribe оборачивает обработчик для извлечения контекста трассировки и создания дочернего спана.
func (p *tracingProvider) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	name, opts := handlerName(handler, opts)

	wrappedHandler := func(ctx context.Context, msg message.Message) (err error) {
		if md := msg.Metadata(); md != nil {
			ctx = p.propagator.Extract(ctx, propagation.MapCarrier(md))
		}

		ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s process", queueName),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", messagingSystem),
				attribute.String("messaging.operation.type", "process"),
				attribute.String("messaging.destination.name", queueName),
				attribute.String("messaging.message.id", msg.ID),
				attribute.String("handler.name", name),
			),
		)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()

		return handler(ctx, msg)
	}

	return p.next.Subscribe(queueName, wrappedHandler, opts...)
}

// Unsubscribe делегирует вызов следующему провайдеру.
func (p *tracingProvider) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	return p.next.Unsubscribe(queueName, sub)
}

// Shutdown делегирует вызов следующему провайдеру.
func (p *tracingProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// applyMiddlewares применяет цепочку middleware к базовому провайдеру.
// Middleware применяются в обратном порядке, чтобы первое в списке оказалось внешним.
func applyMiddlewares(provider Provider, middlewares ...BusMiddleware) Provider {
	p := provider
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i].Wrap(p)
	}
	return p
}

// noopMiddleware просто возвращает следующий провайдер.
type noopMiddleware struct{}

func (noopMiddleware) Wrap(next Provider) Provider {
	return next
}

// getPayloadType возвращает имя типа полезной нагрузки с помощью рефлексии.
func getPayloadType(payload any) string {
	if payload == nil {
		return "nil"
	}
	t := reflect.TypeOf(payload)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
