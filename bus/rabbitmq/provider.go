package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/x-research-team/dtx-exchange/bus/binding"
	"github.com/x-research-team/dtx-exchange/bus/broker"
	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
	"github.com/x-research-team/dtx-exchange/bus/message"
	"github.com/x-research-team/dtx-exchange/bus/queue"
	"github.com/x-research-team/dtx-exchange/bus/topology"
)

var (
	_ broker.Provider = (*Provider)(nil)
	_ broker.Binder   = (*Provider)(nil)
)

// Provider - это реализация broker.Provider поверх канала RabbitMQ.
type Provider struct {
	ch     Channel
	pub    publisher
	conn   io.Closer
	table  *binding.Table
	router *exchange.Router
	opts   options

	ctx    context.Context
	cancel context.CancelFunc

	queuesMu sync.RWMutex
	queues   map[string]queue.Config

	mu          sync.Mutex
	sources     map[string]*source
	dispatchers map[string]*delivery.Dispatcher
	closed      atomic.Bool
}

// Dial подключается к серверу по url, открывает канал и объявляет топологию.
// Соединение закрывается при Shutdown.
func Dial(ctx context.Context, url string, topo *topology.Topology, opts ...Option) (*Provider, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: не удалось подключиться: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: не удалось открыть канал: %w", err)
	}

	p, err := NewProvider(ctx, ch, topo, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewProvider переводит канал ch в режим подтверждений публикации, объявляет
// топологию и возвращает провайдер. Точки обмена объявляются с типом topic:
// шаблон "#" на сервере совпадает с любым ключом, как и binding.Wildcard.
func NewProvider(ctx context.Context, ch Channel, topo *topology.Topology, opts ...Option) (*Provider, error) {
	if topo == nil {
		topo = &topology.Topology{}
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}

	// Без подтверждений сервер молча отбрасывает публикацию в переполненную
	// очередь с x-overflow=reject-publish.
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("rabbitmq: не удалось включить подтверждения публикации: %w", err)
	}

	o := newOptions(opts)
	runCtx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		ch:          ch,
		pub:         newPublisher(ch),
		table:       binding.NewTable(),
		opts:        o,
		ctx:         runCtx,
		cancel:      cancel,
		queues:      make(map[string]queue.Config),
		sources:     make(map[string]*source),
		dispatchers: make(map[string]*delivery.Dispatcher),
	}
	p.router = exchange.NewRouter(p.table, mailboxes{p},
		exchange.WithCodec(o.codec),
		exchange.WithLogger(o.logger),
	)

	if err := p.declare(ctx, topo); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

func (p *Provider) declare(_ context.Context, topo *topology.Topology) error {
	if p.opts.prefetch > 0 {
		if err := p.ch.Qos(p.opts.prefetch, 0, false); err != nil {
			return fmt.Errorf("rabbitmq: не удалось установить QoS: %w", err)
		}
	}

	configs, err := topo.QueueConfigs()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if _, err := p.ch.QueueDeclare(cfg.Name, cfg.Durable, false, false, false, queueArgs(cfg)); err != nil {
			return fmt.Errorf("rabbitmq: объявление очереди %s: %w", cfg.Name, err)
		}
		p.queues[cfg.Name] = cfg
	}

	for _, ex := range topo.Exchanges {
		if err := p.ch.ExchangeDeclare(ex.Name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: объявление точки обмена %s: %w", ex.Name, err)
		}
		if err := p.table.DeclareExchange(ex.Name); err != nil {
			return err
		}
	}

	for _, b := range topo.Bindings() {
		if err := p.table.Bind(b); err != nil {
			return fmt.Errorf("rabbitmq: привязка %s: %w", b, err)
		}
		if err := p.ch.QueueBind(b.Queue, b.Pattern, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: привязка %s: %w", b, err)
		}
	}

	p.opts.logger.Info("топология объявлена",
		slog.Int("queues", len(configs)),
		slog.Int("exchanges", len(topo.Exchanges)),
	)
	return nil
}

// queueArgs переводит конфигурацию очереди в аргументы RabbitMQ.
// Транзиентная очередь получает нулевой TTL: сервер отбрасывает сообщение,
// если его нельзя сразу передать потребителю. Для политики block у
// сервера нет аналога, поэтому обе политики отклоняют публикацию: сервер
// отвечает nack, и Enqueue возвращает queue.ErrQueueFull.
func queueArgs(cfg queue.Config) amqp.Table {
	args := amqp.Table{}
	if !cfg.Durable {
		args["x-message-ttl"] = int64(0)
	}
	if cfg.Capacity > 0 {
		args["x-max-length"] = int64(cfg.Capacity)
		args["x-overflow"] = "reject-publish"
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// mailboxes публикует копию сообщения в очередь сервера.
type mailboxes struct {
	p *Provider
}

func (m mailboxes) Has(name string) bool {
	m.p.queuesMu.RLock()
	defer m.p.queuesMu.RUnlock()

	_, ok := m.p.queues[name]
	return ok
}

func (m mailboxes) Enqueue(ctx context.Context, name string, msg message.Message) (bool, error) {
	if !m.Has(name) {
		return false, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}

	headers := amqp.Table{
		headerExchange:   msg.Exchange,
		headerRoutingKey: msg.RoutingKey,
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	acked, err := m.p.pub.publish(ctx, name, amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.PublishedAt,
		Body:         msg.Body,
	})
	if err != nil {
		return false, fmt.Errorf("rabbitmq: публикация в %s: %w", name, err)
	}
	if !acked {
		return false, fmt.Errorf("%w: сервер отклонил публикацию в %s", queue.ErrQueueFull, name)
	}
	return true, nil
}

// Publish вычисляет целевые очереди по таблице привязок и публикует копию в
// каждую из них.
func (p *Provider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (broker.PublishResult, error) {
	if p.closed.Load() {
		return broker.PublishResult{}, broker.ErrClosed
	}
	return p.router.Publish(ctx, exchangeName, routingKey, payload, opts...)
}

// Subscribe подписывает обработчик на очередь сервера. Потребитель на
// сервере создается при первой подписке.
func (p *Provider) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	if p.closed.Load() {
		return nil, broker.ErrClosed
	}

	d, src, err := p.dispatcher(queueName)
	if err != nil {
		return nil, err
	}

	sub, err := d.Subscribe(handler, opts...)
	if err != nil {
		return nil, err
	}
	if err := src.takeErr(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe снимает подписку.
func (p *Provider) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	p.mu.Lock()
	d, ok := p.dispatchers[queueName]
	p.mu.Unlock()

	if !ok || !d.Unsubscribe(sub) {
		return fmt.Errorf("%w: очередь %s", broker.ErrSubscriptionNotFound, queueName)
	}
	return nil
}

// Bind добавляет привязку на сервере и в локальной таблице.
func (p *Provider) Bind(_ context.Context, b binding.Binding) error {
	if !(mailboxes{p}).Has(b.Queue) {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, b.Queue)
	}
	if err := p.table.Bind(b); err != nil {
		return err
	}
	if err := p.ch.QueueBind(b.Queue, b.Pattern, b.Exchange, false, nil); err != nil {
		p.table.Unbind(b)
		return fmt.Errorf("rabbitmq: привязка %s: %w", b, err)
	}
	return nil
}

// Unbind удаляет привязку.
func (p *Provider) Unbind(_ context.Context, b binding.Binding) (bool, error) {
	if !p.table.Unbind(b) {
		return false, nil
	}
	if err := p.ch.QueueUnbind(b.Queue, b.Pattern, b.Exchange, nil); err != nil {
		return true, fmt.Errorf("rabbitmq: удаление привязки %s: %w", b, err)
	}
	return true, nil
}

// Shutdown дожидается обработки текущих сообщений, возвращает серверу
// неподтвержденные доставки и закрывает канал.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer p.cancel()

	p.mu.Lock()
	dispatchers := make([]*delivery.Dispatcher, 0, len(p.dispatchers))
	for _, d := range p.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	sources := make([]*source, 0, len(p.sources))
	for _, s := range p.sources {
		sources = append(sources, s)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, d := range dispatchers {
		g.Go(func() error {
			return d.Stop(ctx)
		})
	}
	stopErr := g.Wait()

	for _, s := range sources {
		s.close()
	}

	errs := []error{stopErr, p.ch.Close()}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("rabbitmq: остановка провайдера: %w", err)
	}
	return nil
}

func (p *Provider) dispatcher(name string) (*delivery.Dispatcher, *source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.dispatchers[name]; ok {
		return d, p.sources[name], nil
	}

	if !(mailboxes{p}).Has(name) {
		return nil, nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}

	src := newSource(name, p.ch, p.opts.tagPrefix, p.opts.logger)
	dopts := []delivery.Option{delivery.WithLogger(p.opts.logger)}
	if p.opts.onFailure != nil {
		dopts = append(dopts, delivery.WithFailureHook(p.opts.onFailure))
	}
	d := delivery.NewDispatcher(src, dopts...)
	d.Start(p.ctx)

	p.sources[name] = src
	p.dispatchers[name] = d
	return d, src, nil
}
