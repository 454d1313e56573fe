package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/x-research-team/dtx-exchange/bus/binding"
	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
	"github.com/x-research-team/dtx-exchange/bus/message"
	"github.com/x-research-team/dtx-exchange/bus/queue"
	"github.com/x-research-team/dtx-exchange/bus/topology"
)

// QueueStats - это снимок состояния очереди и ее диспетчера.
type QueueStats struct {
	queue.Stats
	State       delivery.State
	Subscribers int
	Delivered   uint64
	Failed      uint64
}

// Broker - это шина сообщений: публикация в точки обмена и подписка на очереди
// через провайдер, обернутый цепочкой middleware.
type Broker struct {
	provider Provider
	base     Provider
	local    *LocalProvider
	cfg      *config
	closed   atomic.Bool
}

// New создает шину по топологии. По умолчанию используется LocalProvider;
// опция WithProvider подключает внешний провайдер, который объявляет
// топологию сам, и тогда topo может быть nil.
func New(ctx context.Context, topo *topology.Topology, opts ...Option) (*Broker, error) {
	cfg := newConfig(opts)

	b := &Broker{cfg: cfg}

	if cfg.provider != nil {
		b.base = cfg.provider
	} else {
		if topo == nil {
			topo = &topology.Topology{}
		}

		table := binding.NewTable()
		storeOpts := []queue.Option{queue.WithLogger(cfg.logger)}
		if cfg.journal != nil {
			storeOpts = append(storeOpts, queue.WithJournal(cfg.journal))
		}
		store := queue.NewStore(storeOpts...)

		if err := topo.Apply(ctx, table, store); err != nil {
			return nil, fmt.Errorf("broker: не удалось применить топологию: %w", err)
		}

		b.local = NewLocalProvider(table, store, opts...)
		b.base = b.local
	}

	// Сначала встроенные middleware, затем пользовательские.
	allMiddlewares := []BusMiddleware{
		NewLoggingMiddleware(cfg.logger),
		NewMetricsMiddleware(cfg.meterProvider),
		NewTracingMiddleware(cfg.tracerProvider, cfg.propagator),
	}
	allMiddlewares = append(allMiddlewares, cfg.middlewares...)
	b.provider = applyMiddlewares(b.base, allMiddlewares...)

	if cfg.meterProvider != nil && b.local != nil {
		if err := b.registerQueueDepth(cfg.meterProvider); err != nil {
			return nil, err
		}
	}

	cfg.logger.Info("шина запущена", slog.Bool("local", b.local != nil))
	return b, nil
}

func (b *Broker) registerQueueDepth(provider metric.MeterProvider) error {
	meter := provider.Meter(instrumentationName)
	_, err := meter.Int64ObservableGauge(
		metricKeyPrefix+"queue.depth",
		metric.WithDescription("Количество сообщений, ожидающих доставки"),
		metric.WithUnit("{messages}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, s := range b.local.Stats() {
				o.Observe(int64(s.Pending), metric.WithAttributes(
					attribute.String("messaging.destination.name", s.Name),
					attribute.Bool("durable", s.Durable),
				))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("broker: не удалось создать метрику queue.depth: %w", err)
	}
	return nil
}

// Codec возвращает кодек полезной нагрузки.
func (b *Broker) Codec() codec.Codec { return b.cfg.codec }

// Publish публикует payload в точку обмена exchangeName с ключом routingKey.
func (b *Broker) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (PublishResult, error) {
	if b.closed.Load() {
		return PublishResult{}, ErrClosed
	}
	return b.provider.Publish(ctx, exchangeName, routingKey, payload, opts...)
}

// Subscribe подписывает обработчик на очередь.
func (b *Broker) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return b.provider.Subscribe(queueName, handler, opts...)
}

// Unsubscribe снимает подписку с очереди.
func (b *Broker) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	return b.provider.Unsubscribe(queueName, sub)
}

// Bind добавляет привязку во время работы.
func (b *Broker) Bind(ctx context.Context, bb binding.Binding) error {
	binder, ok := b.base.(Binder)
	if !ok {
		return ErrUnsupported
	}
	if err := binder.Bind(ctx, bb); err != nil {
		return err
	}
	b.cfg.logger.Info("привязка добавлена", slog.String("binding", bb.String()))
	return nil
}

// Unbind удаляет привязку во время работы.
func (b *Broker) Unbind(ctx context.Context, bb binding.Binding) (bool, error) {
	binder, ok := b.base.(Binder)
	if !ok {
		return false, ErrUnsupported
	}
	removed, err := binder.Unbind(ctx, bb)
	if err != nil {
		return false, err
	}
	if removed {
		b.cfg.logger.Info("привязка удалена", slog.String("binding", bb.String()))
	}
	return removed, nil
}

// Stats возвращает состояние очередей локального провайдера. Для внешнего
// провайдера возвращается nil.
func (b *Broker) Stats() []QueueStats {
	if b.local == nil {
		return nil
	}
	return b.local.Stats()
}

// Shutdown останавливает шину. Повторный вызов ничего не делает.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.provider.Shutdown(ctx)
}

// Handle подписывает типизированный обработчик: тело сообщения
// десериализуется кодеком шины в T. Ошибка десериализации считается
// ошибкой обработчика.
func Handle[T any](b *Broker, queueName string, fn func(ctx context.Context, event T) error, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	if fn == nil {
		return nil, delivery.ErrNilHandler
	}

	c := b.Codec()
	handler := func(ctx context.Context, msg message.Message) error {
		event, err := codec.DecodeAs[T](c, msg.Body)
		if err != nil {
			return err
		}
		return fn(ctx, event)
	}

	opts = append([]delivery.SubscribeOption{delivery.WithName(delivery.HandlerName(fn))}, opts...)
	return b.Subscribe(queueName, handler, opts...)
}
