package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/x-research-team/dtx-exchange/bus/message"
)

// options содержит общие параметры очередей и хранилища.
type options struct {
	journal Journal
	logger  *slog.Logger
}

// Option - это функциональная опция для Queue и Store.
type Option func(*options)

// WithJournal подключает журнал, в который долговечные очереди записывают
// сообщения до их подтверждения.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Queue - это именованный упорядоченный почтовый ящик. Постановка в очередь
// допускается из любого числа горутин, извлечение выполняет единственный
// диспетчер очереди.
type Queue struct {
	cfg     Config
	journal Journal
	logger  *slog.Logger

	mu        sync.Mutex
	pending   []message.Message
	inflight  map[string]message.Message
	consumers int

	// held - ID ожидающих и обрабатываемых сообщений долговечной очереди.
	// Журнал адресует записи по ID, поэтому ID в очереди уникален.
	held map[string]struct{}

	// ready сигнализирует диспетчеру о новых сообщениях.
	ready chan struct{}
	// notFull будит заблокированных издателей при освобождении места.
	notFull chan struct{}

	enqueued atomic.Uint64
	acked    atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// New создает очередь по конфигурации.
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	q := &Queue{
		cfg:      cfg,
		logger:   o.logger.With(slog.String("queue", cfg.Name)),
		inflight: make(map[string]message.Message),
		held:     make(map[string]struct{}),
		ready:    make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	if cfg.Durable {
		q.journal = o.journal
	}
	return q, nil
}

// Name возвращает имя очереди.
func (q *Queue) Name() string { return q.cfg.Name }

// Durable сообщает, является ли очередь долговечной.
func (q *Queue) Durable() bool { return q.cfg.Durable }

// Config возвращает конфигурацию очереди.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue ставит копию сообщения в очередь. accepted == false означает, что
// транзиентная очередь отбросила сообщение; это не ошибка. Для долговечной
// очереди при достижении емкости возвращается ErrQueueFull либо вызов
// блокируется, в зависимости от политики переполнения. Повторная постановка
// ID, который долговечная очередь еще не подтвердила, возвращает
// ErrDuplicateMessage.
func (q *Queue) Enqueue(ctx context.Context, msg message.Message) (accepted bool, err error) {
	msg = msg.WithQueue(q.cfg.Name)
	if !q.cfg.Durable {
		return q.enqueueTransient(msg), nil
	}
	if err := q.enqueueDurable(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) enqueueTransient(msg message.Message) bool {
	q.mu.Lock()
	if q.consumers == 0 || q.full() {
		q.mu.Unlock()
		q.dropped.Add(1)
		q.logger.Debug("транзиентная очередь отбросила сообщение", slog.String("message_id", msg.ID))
		return false
	}
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	q.enqueued.Add(1)
	signal(q.ready)
	return true
}

func (q *Queue) enqueueDurable(ctx context.Context, msg message.Message) error {
	for {
		q.mu.Lock()
		if _, dup := q.held[msg.ID]; dup {
			q.mu.Unlock()
			q.rejected.Add(1)
			return fmt.Errorf("%w: %s в очереди %s", ErrDuplicateMessage, msg.ID, q.cfg.Name)
		}
		if !q.full() {
			// Журнал пишется под блокировкой, чтобы его порядок совпадал с порядком очереди.
			if q.journal != nil {
				if err := q.journal.Append(ctx, q.cfg.Name, msg); err != nil {
					q.mu.Unlock()
					return fmt.Errorf("queue: не удалось записать сообщение %s в журнал очереди %s: %w", msg.ID, q.cfg.Name, err)
				}
			}
			q.pending = append(q.pending, msg)
			q.held[msg.ID] = struct{}{}
			hasSpace := !q.full()
			q.mu.Unlock()

			q.enqueued.Add(1)
			signal(q.ready)
			if q.cfg.Capacity > 0 && hasSpace {
				signal(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		if q.cfg.Overflow == OverflowReject {
			q.rejected.Add(1)
			return fmt.Errorf("%w: %s (емкость %d)", ErrQueueFull, q.cfg.Name, q.cfg.Capacity)
		}

		select {
		case <-q.notFull:
		case <-ctx.Done():
			q.rejected.Add(1)
			return fmt.Errorf("%w: %s: ожидание места прервано: %w", ErrQueueFull, q.cfg.Name, ctx.Err())
		}
	}
}

// full вызывается под q.mu.
func (q *Queue) full() bool {
	return q.cfg.Capacity > 0 && len(q.pending)+len(q.inflight) >= q.cfg.Capacity
}

// TryDequeue извлекает первое сообщение без ожидания. Сообщение долговечной
// очереди остается в обработке до Ack или Requeue.
func (q *Queue) TryDequeue() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return message.Message{}, false
	}
	msg := q.pending[0]
	q.pending[0] = message.Message{}
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}

	if q.cfg.Durable {
		q.inflight[msg.ID] = msg
	}
	return msg, true
}

// Ack подтверждает доставку сообщения. Для долговечной очереди сообщение
// удаляется из обработки и из журнала.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if !q.cfg.Durable {
		q.acked.Add(1)
		return nil
	}

	q.mu.Lock()
	_, ok := q.inflight[id]
	if ok {
		delete(q.inflight, id)
		delete(q.held, id)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s в очереди %s", ErrUnknownMessage, id, q.cfg.Name)
	}

	q.acked.Add(1)
	signal(q.notFull)

	if q.journal != nil {
		if err := q.journal.Remove(ctx, q.cfg.Name, id); err != nil {
			return fmt.Errorf("queue: не удалось удалить сообщение %s из журнала очереди %s: %w", id, q.cfg.Name, err)
		}
	}
	return nil
}

// Requeue возвращает неподтвержденное сообщение в голову очереди.
func (q *Queue) Requeue(msg message.Message) {
	q.mu.Lock()
	if q.cfg.Durable {
		delete(q.inflight, msg.ID)
	} else if q.consumers == 0 {
		q.mu.Unlock()
		q.dropped.Add(1)
		return
	}
	q.pending = append([]message.Message{msg}, q.pending...)
	q.mu.Unlock()

	signal(q.ready)
}

// Ready возвращает канал, который получает сигнал после постановки сообщения.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Attach регистрирует потребителя и возвращает их текущее число.
func (q *Queue) Attach() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.consumers++
	return q.consumers
}

// Detach снимает потребителя. Когда уходит последний потребитель
// транзиентной очереди, ожидающие сообщения отбрасываются.
func (q *Queue) Detach() int {
	q.mu.Lock()
	if q.consumers > 0 {
		q.consumers--
	}
	consumers := q.consumers
	var purged int
	if consumers == 0 && !q.cfg.Durable {
		purged = len(q.pending)
		q.pending = nil
	}
	q.mu.Unlock()

	if purged > 0 {
		q.dropped.Add(uint64(purged))
		q.logger.Info("транзиентная очередь осталась без потребителей, сообщения отброшены", slog.Int("count", purged))
	}
	return consumers
}

// Stats возвращает снимок счетчиков очереди.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending, inflight, consumers := len(q.pending), len(q.inflight), q.consumers
	q.mu.Unlock()

	return Stats{
		Name:      q.cfg.Name,
		Durable:   q.cfg.Durable,
		Pending:   pending,
		InFlight:  inflight,
		Consumers: consumers,
		Enqueued:  q.enqueued.Load(),
		Acked:     q.acked.Load(),
		Dropped:   q.dropped.Load(),
		Rejected:  q.rejected.Load(),
	}
}

// restore добавляет сообщения, восстановленные из журнала, без повторной записи.
func (q *Queue) restore(msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}

	q.mu.Lock()
	for _, m := range msgs {
		if _, dup := q.held[m.ID]; dup {
			continue
		}
		q.pending = append(q.pending, m.WithQueue(q.cfg.Name))
		q.held[m.ID] = struct{}{}
	}
	q.mu.Unlock()

	signal(q.ready)
}

// signal выполняет неблокирующую отправку в канал с буфером 1.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
