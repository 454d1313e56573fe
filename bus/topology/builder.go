package topology

import (
	"slices"

	"github.com/x-research-team/dtx-exchange/bus/queue"
)

// Builder собирает топологию в коде.
//
//	topo, err := topology.NewBuilder().
//		Queue("q_mail", topology.Durable()).
//		Exchange("registration").Bind("#", "q_mail").
//		Build()
type Builder struct {
	topo    Topology
	current int
}

// NewBuilder создает пустой Builder.
func NewBuilder() *Builder {
	return &Builder{current: -1}
}

// QueueOption настраивает очередь в Builder.
type QueueOption func(*Queue)

// Durable делает очередь долговечной.
func Durable() QueueOption {
	return func(q *Queue) {
		v := true
		q.Durable = &v
	}
}

// Transient делает очередь транзиентной.
func Transient() QueueOption {
	return func(q *Queue) {
		v := false
		q.Durable = &v
	}
}

// Capacity ограничивает емкость очереди.
func Capacity(n int) QueueOption {
	return func(q *Queue) {
		q.Capacity = &n
	}
}

// WithOverflow задает политику переполнения.
func WithOverflow(o queue.Overflow) QueueOption {
	return func(q *Queue) {
		q.Overflow = o.String()
	}
}

// Defaults задает значения по умолчанию для очередей.
func (b *Builder) Defaults(d QueueDefaults) *Builder {
	b.topo.Defaults = d
	return b
}

// Queue добавляет очередь.
func (b *Builder) Queue(name string, opts ...QueueOption) *Builder {
	q := Queue{Name: name}
	for _, opt := range opts {
		opt(&q)
	}
	b.topo.Queues = append(b.topo.Queues, q)
	return b
}

// Exchange добавляет точку обмена. Последующие вызовы Bind относятся к ней.
func (b *Builder) Exchange(name string) *Builder {
	b.topo.Exchanges = append(b.topo.Exchanges, Exchange{Name: name})
	b.current = len(b.topo.Exchanges) - 1
	return b
}

// Bind привязывает очереди к текущей точке обмена по ключу routingKey.
// Вызов до Exchange добавляет точку обмена без имени, и Build ее отклонит.
func (b *Builder) Bind(routingKey string, queues ...string) *Builder {
	if b.current < 0 {
		b.topo.Exchanges = append(b.topo.Exchanges, Exchange{})
		b.current = len(b.topo.Exchanges) - 1
	}
	ex := &b.topo.Exchanges[b.current]
	for _, q := range queues {
		ex.Bindings = append(ex.Bindings, Binding{Queue: q, RoutingKey: routingKey})
	}
	return b
}

// Build проверяет и возвращает копию топологии. Последующие вызовы Builder
// ее не меняют.
func (b *Builder) Build() (*Topology, error) {
	topo := b.topo
	topo.Queues = slices.Clone(b.topo.Queues)
	topo.Exchanges = slices.Clone(b.topo.Exchanges)
	for i := range topo.Exchanges {
		topo.Exchanges[i].Bindings = slices.Clone(topo.Exchanges[i].Bindings)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}
