package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/x-research-team/dtx-exchange/bus/broker"
	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
)

type relayKey struct{}

// withRelay помечает контекст публикации ретранслятора, чтобы middleware
// пропустило ее в шину, а не сохранило повторно.
func withRelay(ctx context.Context) context.Context {
	return context.WithValue(ctx, relayKey{}, true)
}

func isRelay(ctx context.Context) bool {
	v, _ := ctx.Value(relayKey{}).(bool)
	return v
}

// NewOutboxMiddleware создает новый экземпляр OutboxMiddleware.
func NewOutboxMiddleware(storage Storage, opts ...Option) *OutboxMiddleware {
	m := &OutboxMiddleware{
		storage: storage,
		codec:   codec.Default,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OutboxMiddleware реализует паттерн Transactional Outbox для шины.
type OutboxMiddleware struct {
	storage   Storage
	codec     codec.Codec
	exchanges map[string]struct{}
}

// Wrap оборачивает провайдер, перенаправляя публикацию в Storage.
func (m *OutboxMiddleware) Wrap(next broker.Provider) broker.Provider {
	return &outboxProvider{m: m, next: next}
}

func (m *OutboxMiddleware) intercepts(exchangeName string) bool {
	if len(m.exchanges) == 0 {
		return true
	}
	_, ok := m.exchanges[exchangeName]
	return ok
}

// outboxProvider - это реализация провайдера, которая пишет в Storage.
type outboxProvider struct {
	m    *OutboxMiddleware
	next broker.Provider
}

// Publish сохраняет сообщение в Storage вместо отправки. Результат содержит
// только MessageID: очереди назначения станут известны при ретрансляции.
// Признак mandatory сохраняется и применяется ретранслятором.
func (p *outboxProvider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (broker.PublishResult, error) {
	if isRelay(ctx) || !p.m.intercepts(exchangeName) {
		return p.next.Publish(ctx, exchangeName, routingKey, payload, opts...)
	}

	body, err := p.m.codec.Encode(payload)
	if err != nil {
		return broker.PublishResult{}, err
	}

	headers, messageID, mandatory := exchange.Apply(opts...)
	id, err := uuid.Parse(messageID)
	if err != nil {
		id = uuid.New()
	}

	msg := &Message{
		ID:         id,
		Exchange:   exchangeName,
		RoutingKey: routingKey,
		Payload:    body,
		Headers:    headers,
		Mandatory:  mandatory,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.m.storage.Save(ctx, msg); err != nil {
		return broker.PublishResult{}, fmt.Errorf("outbox: не удалось сохранить сообщение: %w", err)
	}

	return broker.PublishResult{MessageID: id.String()}, nil
}

// Subscribe делегирует вызов следующему провайдеру в цепочке.
func (p *outboxProvider) Subscribe(queueName string, handler delivery.Handler, opts ...delivery.SubscribeOption) (*delivery.Subscription, error) {
	return p.next.Subscribe(queueName, handler, opts...)
}

// Unsubscribe делегирует вызов следующему провайдеру в цепочке.
func (p *outboxProvider) Unsubscribe(queueName string, sub *delivery.Subscription) error {
	return p.next.Unsubscribe(queueName, sub)
}

// Shutdown делегирует вызов следующему провайдеру в цепочке.
func (p *outboxProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}
