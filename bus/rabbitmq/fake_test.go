package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredQueue struct {
	durable bool
	args    amqp.Table
}

type bindCall struct {
	queue, key, exchange string
}

// fakeChannel имитирует сервер: публикация в точку обмена по умолчанию
// кладет доставку в очередь, потребитель получает ее через канал.
type fakeChannel struct {
	mu sync.Mutex

	queues    map[string]declaredQueue
	exchanges map[string]string
	binds     []bindCall
	unbinds   []bindCall
	published []amqp.Publishing
	keys      []string
	backlog   map[string][]amqp.Delivery
	consumers map[string]chan amqp.Delivery
	tags      map[string]string
	cancelled []string
	closed    bool
	tag       uint64

	publishErr map[string]error
	consumeErr error
	confirmErr error
	confirming bool

	acker *fakeAcker
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queues:     make(map[string]declaredQueue),
		exchanges:  make(map[string]string),
		backlog:    make(map[string][]amqp.Delivery),
		consumers:  make(map[string]chan amqp.Delivery),
		tags:       make(map[string]string),
		publishErr: make(map[string]error),
		acker:      &fakeAcker{},
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = declaredQueue{durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, bindCall{name, key, exchange})
	return nil
}

func (f *fakeChannel) QueueUnbind(name, key, exchange string, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbinds = append(f.unbinds, bindCall{name, key, exchange})
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirming = true
	return nil
}

// PublishWithDeferredConfirmWithContext возвращает nil вместо подтверждения,
// как канал вне режима подтверждений: публикация считается принятой.
func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, f.deliver(exchange, key, msg)
}

func (f *fakeChannel) deliver(exchange, key string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.publishErr[key]; err != nil {
		return err
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)

	f.tag++
	d := amqp.Delivery{
		Acknowledger: f.acker,
		DeliveryTag:  f.tag,
		Headers:      msg.Headers,
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Exchange:     exchange,
		RoutingKey:   key,
		Body:         msg.Body,
	}
	if ch, ok := f.consumers[key]; ok {
		ch <- d
		return nil
	}
	if q := f.queues[key]; q.durable {
		f.backlog[key] = append(f.backlog[key], d)
	}
	return nil
}

// nackingChannel отвечает nack на публикацию в очереди из nack, как сервер
// при переполнении очереди с x-overflow=reject-publish.
type nackingChannel struct {
	*fakeChannel
	nack map[string]bool
}

func (n nackingChannel) publish(_ context.Context, queue string, msg amqp.Publishing) (bool, error) {
	if n.nack[queue] {
		return false, nil
	}
	if err := n.deliver("", queue, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	ch := make(chan amqp.Delivery, 64)
	for _, d := range f.backlog[queue] {
		ch <- d
	}
	delete(f.backlog, queue)
	f.consumers[queue] = ch
	f.tags[consumer] = queue
	return ch, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue, ok := f.tags[consumer]
	if !ok {
		return errors.New("неизвестный потребитель")
	}
	close(f.consumers[queue])
	delete(f.consumers, queue)
	delete(f.tags, consumer)
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) publishedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}
