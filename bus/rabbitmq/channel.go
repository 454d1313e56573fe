// Package rabbitmq реализует провайдер шины поверх RabbitMQ (AMQP 0-9-1).
//
// Маршрутизация выполняется тем же алгоритмом, что и в локальном
// провайдере: целевые очереди вычисляются по таблице привязок, а каждая
// копия публикуется в очередь через точку обмена по умолчанию. Точки обмена
// и привязки все равно объявляются на сервере, чтобы топология была видна
// другим клиентам.
package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel - это подмножество *amqp.Channel, которое использует провайдер.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// publisher публикует сообщение в очередь сервера и сообщает, принял ли его
// сервер. Канал может реализовать его сам, иначе используется confirmPublisher.
type publisher interface {
	publish(ctx context.Context, queue string, msg amqp.Publishing) (acked bool, err error)
}

// confirmPublisher публикует через точку обмена по умолчанию и ждет
// подтверждения. Канал не в режиме подтверждений возвращает nil вместо
// DeferredConfirmation, такая публикация считается принятой.
type confirmPublisher struct {
	ch Channel
}

func (c confirmPublisher) publish(ctx context.Context, queue string, msg amqp.Publishing) (bool, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return false, err
	}
	if dc == nil {
		return true, nil
	}
	return dc.WaitContext(ctx)
}

func newPublisher(ch Channel) publisher {
	if pub, ok := ch.(publisher); ok {
		return pub
	}
	return confirmPublisher{ch: ch}
}
