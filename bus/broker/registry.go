package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/x-research-team/dtx-exchange/bus/exchange"
)

// ErrTypeConflict возвращается, если для точки обмена уже зарегистрирован
// издатель другого типа событий.
var ErrTypeConflict = errors.New("broker: издатель для точки обмена уже существует с другим типом события")

// EventPublisher публикует события типа T в одну точку обмена.
type EventPublisher[T any] interface {
	// Publish публикует событие. Ключ маршрутизации вычисляется функцией,
	// заданной при регистрации.
	Publish(ctx context.Context, event T, opts ...exchange.PublishOption) (PublishResult, error)
	// Exchange возвращает имя точки обмена.
	Exchange() string
}

// PublisherOption настраивает типизированного издателя.
type PublisherOption[T any] func(*publisher[T])

// WithRoutingKey задает функцию вычисления ключа маршрутизации из события.
func WithRoutingKey[T any](fn func(T) string) PublisherOption[T] {
	return func(p *publisher[T]) {
		p.routingKey = fn
	}
}

// WithStaticRoutingKey задает постоянный ключ маршрутизации.
func WithStaticRoutingKey[T any](key string) PublisherOption[T] {
	return func(p *publisher[T]) {
		p.routingKey = func(T) string { return key }
	}
}

type publisher[T any] struct {
	broker     *Broker
	exchange   string
	routingKey func(T) string
}

func (p *publisher[T]) Publish(ctx context.Context, event T, opts ...exchange.PublishOption) (PublishResult, error) {
	var key string
	if p.routingKey != nil {
		key = p.routingKey(event)
	}
	return p.broker.Publish(ctx, p.exchange, key, event, opts...)
}

func (p *publisher[T]) Exchange() string {
	return p.exchange
}

// Registry - это потокобезопасный реестр типизированных издателей. Он
// гарантирует, что одна точка обмена публикует события только одного типа.
type Registry struct {
	broker     *Broker
	mu         sync.RWMutex
	publishers map[string]any
}

// NewRegistry создает реестр издателей поверх шины.
func NewRegistry(b *Broker) *Registry {
	return &Registry{
		broker:     b,
		publishers: make(map[string]any),
	}
}

// Publisher возвращает типизированного издателя для точки обмена.
// Опции применяются только при первом обращении.
func Publisher[T any](r *Registry, exchangeName string, opts ...PublisherOption[T]) (EventPublisher[T], error) {
	r.mu.RLock()
	existing, exists := r.publishers[exchangeName]
	r.mu.RUnlock()

	if exists {
		return typed[T](existing, exchangeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Повторная проверка на случай, если издатель был создан во время ожидания блокировки.
	if existing, exists := r.publishers[exchangeName]; exists {
		return typed[T](existing, exchangeName)
	}

	p := &publisher[T]{broker: r.broker, exchange: exchangeName}
	for _, opt := range opts {
		opt(p)
	}
	r.publishers[exchangeName] = p
	return p, nil
}

func typed[T any](existing any, exchangeName string) (EventPublisher[T], error) {
	if p, ok := existing.(*publisher[T]); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTypeConflict, exchangeName)
}
