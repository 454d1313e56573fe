// Package broker объединяет таблицу привязок, хранилище очередей,
// маршрутизатор и диспетчеры доставки в единую шину сообщений с
// подключаемыми провайдерами и middleware для логирования, метрик и
// трассировки.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/x-research-team/dtx-exchange/bus/binding"
	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
	"github.com/x-research-team/dtx-exchange/bus/queue"
)

var (
	// ErrClosed возвращается при обращении к остановленной шине.
	ErrClosed = errors.New("broker: шина остановлена")
	// ErrSubscriptionNotFound возвращается при отписке неизвестной подписки.
	ErrSubscriptionNotFound = errors.New("broker: подписка не найдена")
	// ErrUnsupported возвращается, если провайдер не поддерживает операцию.
	ErrUnsupported = errors.New("broker: операция не поддерживается провайдером")
)

// PublishResult - это итог публикации: очереди назначения, число принявших
// очередей и ошибки отдельных очередей.
type PublishResult = exchange.Result

// Provider определяет контракт для сменных механизмов доставки сообщений.
// Алгоритм маршрутизации не зависит от провайдера: локальный провайдер
// выполняет его в памяти процесса, сетевой делегирует брокеру.
type Provider interface {
	// Publish сериализует payload и публикует его в точку обмена.
	// Ошибка возвращается только если сообщение не было опубликовано ни в
	// одну очередь по причине сбоя; ошибки отдельных очередей находятся в
	// PublishResult.
	Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...exchange.PublishOption) (PublishResult, error)

	// Subscribe подписывает обработчик на очередь.
	Subscribe(queue string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error)

	// Unsubscribe снимает подписку с очереди.
	Unsubscribe(queue string, sub *delivery.Subscription) error

	// Shutdown дожидается обработки текущих сообщений и освобождает ресурсы.
	Shutdown(ctx context.Context) error
}

// Binder реализуется провайдерами, которые поддерживают изменение привязок
// во время работы.
type Binder interface {
	Bind(ctx context.Context, b binding.Binding) error
	Unbind(ctx context.Context, b binding.Binding) (bool, error)
}

// LocalProvider - это реализация Provider внутри одного процесса.
type LocalProvider struct {
	table  *binding.Table
	store  *queue.Store
	router *exchange.Router
	logger *slog.Logger
	hook   delivery.FailureHook

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	dispatchers map[string]*delivery.Dispatcher
	closed      atomic.Bool
}

// NewLocalProvider создает локальный провайдер поверх объявленных таблицы
// привязок и хранилища очередей.
func NewLocalProvider(table *binding.Table, store *queue.Store, opts ...Option) *LocalProvider {
	cfg := newConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())

	return &LocalProvider{
		table: table,
		store: store,
		router: exchange.NewRouter(table, store,
			exchange.WithCodec(cfg.codec),
			exchange.WithLogger(cfg.logger),
		),
		logger:      cfg.logger,
		hook:        cfg.onFailure,
		ctx:         ctx,
		cancel:      cancel,
		dispatchers: make(map[string]*delivery.Dispatcher),
	}
}

// Publish публикует сообщение через маршрутизатор.
func (lp *LocalProvider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (PublishResult, error) {
	if lp.closed.Load() {
		return PublishResult{}, ErrClosed
	}
	return lp.router.Publish(ctx, exchangeName, routingKey, payload, opts...)
}

// Subscribe подписывает обработчик на очередь и при необходимости запускает
// ее диспетчер.
func (lp *LocalProvider) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	if lp.closed.Load() {
		return nil, ErrClosed
	}

	d, err := lp.dispatcher(queueName)
	if err != nil {
		return nil, err
	}
	return d.Subscribe(handler, opts...)
}

// Unsubscribe снимает подписку.
func (lp *LocalProvider) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	lp.mu.Lock()
	d, ok := lp.dispatchers[queueName]
	lp.mu.Unlock()

	if !ok || !d.Unsubscribe(sub) {
		return fmt.Errorf("%w: очередь %s", ErrSubscriptionNotFound, queueName)
	}
	return nil
}

// Bind добавляет привязку к объявленной очереди.
func (lp *LocalProvider) Bind(_ context.Context, b binding.Binding) error {
	if !lp.store.Has(b.Queue) {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, b.Queue)
	}
	return lp.table.Bind(b)
}

// Unbind удаляет привязку.
func (lp *LocalProvider) Unbind(_ context.Context, b binding.Binding) (bool, error) {
	return lp.table.Unbind(b), nil
}

// Shutdown останавливает все диспетчеры параллельно.
func (lp *LocalProvider) Shutdown(ctx context.Context) error {
	if !lp.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer lp.cancel()

	lp.mu.Lock()
	dispatchers := make([]*delivery.Dispatcher, 0, len(lp.dispatchers))
	for _, d := range lp.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	lp.mu.Unlock()

	var g errgroup.Group
	for _, d := range dispatchers {
		g.Go(func() error {
			return d.Stop(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("broker: не удалось остановить доставку: %w", err)
	}
	return nil
}

// Stats возвращает снимок состояния очередей и их диспетчеров.
func (lp *LocalProvider) Stats() []QueueStats {
	stats := lp.store.Stats()
	out := make([]QueueStats, 0, len(stats))

	lp.mu.Lock()
	defer lp.mu.Unlock()

	for _, s := range stats {
		qs := QueueStats{Stats: s, State: delivery.Idle}
		if d, ok := lp.dispatchers[s.Name]; ok {
			ds := d.Stats()
			qs.State = ds.State
			qs.Subscribers = ds.Subscribers
			qs.Delivered = ds.Delivered
			qs.Failed = ds.Failed
		}
		out = append(out, qs)
	}
	return out
}

func (lp *LocalProvider) dispatcher(name string) (*delivery.Dispatcher, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if d, ok := lp.dispatchers[name]; ok {
		return d, nil
	}

	q, ok := lp.store.Queue(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}

	opts := []delivery.Option{delivery.WithLogger(lp.logger)}
	if lp.hook != nil {
		opts = append(opts, delivery.WithFailureHook(lp.hook))
	}
	d := delivery.NewDispatcher(q, opts...)
	d.Start(lp.ctx)
	lp.dispatchers[name] = d
	return d, nil
}
