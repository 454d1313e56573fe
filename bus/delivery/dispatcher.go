package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/x-research-team/dtx-exchange/bus/message"
)

// Dispatcher доставляет сообщения одной очереди ее обработчикам. Каждое
// сообщение передается всем подписчикам, и следующее сообщение не
// начинается, пока все обработчики не завершились.
type Dispatcher struct {
	src       Source
	logger    *slog.Logger
	onFailure FailureHook

	mu   sync.RWMutex
	subs []*Subscription

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	closed   atomic.Bool
	state    atomic.Int32
	startMu  sync.Mutex
	stopOnce sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher создает диспетчер для источника src. Доставка начинается
// после Start.
func NewDispatcher(src Source, opts ...Option) *Dispatcher {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return &Dispatcher{
		src:       src,
		logger:    o.logger.With(slog.String("queue", src.Name())),
		onFailure: o.onFailure,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Queue возвращает имя обслуживаемой очереди.
func (d *Dispatcher) Queue() string { return d.src.Name() }

// Start запускает цикл доставки. Повторный вызов ничего не делает.
// Обработчики получают контекст, производный от ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.started.Load() {
		return
	}
	d.started.Store(true)
	go d.run(ctx)
}

// Subscribe регистрирует обработчик на очереди.
func (d *Dispatcher) Subscribe(handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if d.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrStopped, d.src.Name())
	}

	subOpts := subscriptionOptions{}
	for _, opt := range opts {
		opt(&subOpts)
	}

	name := subOpts.name
	if name == "" {
		name = HandlerName(handler)
	}

	final := handler
	for i := len(subOpts.middleware) - 1; i >= 0; i-- {
		final = subOpts.middleware[i](final)
	}

	sub := &Subscription{
		id:           uuid.NewString(),
		queue:        d.src.Name(),
		name:         name,
		handler:      final,
		errorHandler: subOpts.errorHandler,
		dispatcher:   d,
	}

	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	d.src.Attach()
	signal(d.wake)

	d.logger.Debug("обработчик подписан", slog.String("handler_name", name), slog.String("subscription_id", sub.id))
	return sub, nil
}

// Unsubscribe снимает подписку. Возвращает false, если подписка не
// принадлежит диспетчеру или уже снята.
func (d *Dispatcher) Unsubscribe(sub *Subscription) bool {
	if sub == nil || sub.dispatcher != d {
		return false
	}

	var removed bool
	sub.once.Do(func() {
		removed = d.remove(sub)
	})
	return removed
}

func (d *Dispatcher) remove(sub *Subscription) bool {
	d.mu.Lock()
	idx := slices.Index(d.subs, sub)
	if idx < 0 {
		d.mu.Unlock()
		return false
	}
	d.subs = slices.Delete(slices.Clone(d.subs), idx, idx+1)
	d.mu.Unlock()

	d.src.Detach()
	d.logger.Debug("обработчик отписан", slog.String("handler_name", sub.name), slog.String("subscription_id", sub.id))
	return true
}

// State возвращает текущее состояние диспетчера.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Stats возвращает снимок счетчиков.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	subscribers := len(d.subs)
	d.mu.RUnlock()

	return Stats{
		Queue:       d.src.Name(),
		State:       d.State(),
		Subscribers: subscribers,
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
	}
}

// Stop завершает доставку. Сообщение, которое обрабатывается в момент
// вызова, доводится до конца. Stop ждет выхода цикла или отмены ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.closed.Store(true)
	d.stopOnce.Do(func() {
		close(d.stop)
	})

	d.startMu.Lock()
	started := d.started.Load()
	d.startMu.Unlock()
	if !started {
		d.state.Store(int32(Stopped))
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery: остановка очереди %s прервана: %w", d.src.Name(), ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.state.Store(int32(Stopped))

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if len(d.snapshot()) == 0 {
			d.state.Store(int32(Idle))
			select {
			case <-d.wake:
				continue
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		msg, ok := d.src.TryDequeue()
		if !ok {
			d.state.Store(int32(Idle))
			select {
			case <-d.src.Ready():
			case <-d.wake:
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		d.state.Store(int32(Dispatching))

		// Подписчики могли уйти, пока сообщение извлекалось.
		subs := d.snapshot()
		if len(subs) == 0 {
			d.src.Requeue(msg)
			continue
		}

		d.deliver(ctx, msg, subs)

		if err := d.src.Ack(context.WithoutCancel(ctx), msg.ID); err != nil {
			d.logger.Error("не удалось подтвердить сообщение",
				slog.String("message_id", msg.ID),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Dispatcher) snapshot() []*Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.subs
}

// deliver передает сообщение всем обработчикам и ждет их завершения.
func (d *Dispatcher) deliver(ctx context.Context, msg message.Message, subs []*Subscription) {
	if len(subs) == 1 {
		d.invoke(ctx, msg, subs[0])
		return
	}

	var wg conc.WaitGroup
	for _, sub := range subs {
		wg.Go(func() {
			d.invoke(ctx, msg, sub)
		})
	}
	wg.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, msg message.Message, sub *Subscription) {
	msg = msg.Clone()

	var (
		err error
		pc  panics.Catcher
	)
	pc.Try(func() {
		err = sub.handler(ctx, msg)
	})
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("%w: %w", ErrHandlerPanic, r.AsError())
	}

	if err == nil {
		sub.delivered.Add(1)
		d.delivered.Add(1)
		return
	}

	sub.failed.Add(1)
	d.failed.Add(1)

	err = fmt.Errorf("%w: очередь %s, обработчик %s: %w", ErrHandlerFailure, sub.queue, sub.name, err)
	d.logger.Error("ошибка обработки сообщения",
		slog.String("message_id", msg.ID),
		slog.String("handler_name", sub.name),
		slog.Any("error", err),
	)

	if sub.errorHandler != nil {
		sub.errorHandler(err, msg)
	}
	if d.onFailure != nil {
		d.onFailure(Failure{
			Queue:        sub.queue,
			Subscription: sub.id,
			Handler:      sub.name,
			Message:      msg,
			Err:          err,
		})
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
