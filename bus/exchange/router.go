// Package exchange реализует маршрутизатор точек обмена: сериализует
// полезную нагрузку один раз, разрешает целевые очереди по таблице привязок
// и ставит независимую копию сообщения в каждую из них.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/message"
)

// DefaultExchange - это имя точки обмена по умолчанию. Она доставляет сообщение
// в очередь, имя которой совпадает с ключом маршрутизации.
const DefaultExchange = ""

// ErrUnroutable означает, что ни одна привязка не совпала с ключом
// маршрутизации. Возвращается только для публикации с WithMandatory.
var ErrUnroutable = errors.New("exchange: сообщение не маршрутизировано")

// Resolver разрешает целевые очереди. Его реализует binding.Table.
// Повторы в результате допустимы: Router доставляет в каждую очередь одну копию.
type Resolver interface {
	Resolve(exchange, routingKey string) []string
}

// Mailboxes принимает копии сообщений. Его реализует queue.Store.
type Mailboxes interface {
	Has(name string) bool
	Enqueue(ctx context.Context, name string, msg message.Message) (accepted bool, err error)
}

// Router - это маршрутизатор точек обмена.
type Router struct {
	resolver  Resolver
	mailboxes Mailboxes
	codec     codec.Codec
	logger    *slog.Logger
}

// NewRouter создает маршрутизатор.
func NewRouter(resolver Resolver, mailboxes Mailboxes, opts ...Option) *Router {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = codec.Default
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return &Router{
		resolver:  resolver,
		mailboxes: mailboxes,
		codec:     o.codec,
		logger:    o.logger,
	}
}

// Codec возвращает кодек маршрутизатора.
func (r *Router) Codec() codec.Codec { return r.codec }

// Targets возвращает очереди, в которые будет доставлено сообщение, без
// повторов и в порядке первого появления.
func (r *Router) Targets(exchange, routingKey string) []string {
	if exchange == DefaultExchange {
		if routingKey != "" && r.mailboxes.Has(routingKey) {
			return []string{routingKey}
		}
		return nil
	}
	return unique(r.resolver.Resolve(exchange, routingKey))
}

func unique(queues []string) []string {
	out := queues[:0:0]
	for _, q := range queues {
		if !slices.Contains(out, q) {
			out = append(out, q)
		}
	}
	return out
}

// Publish сериализует payload и ставит копию сообщения в каждую целевую
// очередь. Ошибка сериализации возвращается до постановки в какую-либо
// очередь. Ошибки отдельных очередей не прерывают доставку в остальные и
// возвращаются в Result.Errors.
func (r *Router) Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOption) (Result, error) {
	po := publishOptions{}
	for _, opt := range opts {
		opt(&po)
	}

	body, err := r.codec.Encode(payload)
	if err != nil {
		return Result{}, err
	}

	id := po.messageID
	if id == "" {
		id = uuid.NewString()
	}

	targets := r.Targets(exchange, routingKey)
	res := Result{MessageID: id, Targets: targets}

	if len(targets) == 0 {
		r.logger.Info("сообщение не маршрутизировано",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.String("message_id", id),
		)
		if po.mandatory {
			return res, fmt.Errorf("%w: точка обмена %q, ключ %q", ErrUnroutable, exchange, routingKey)
		}
		return res, nil
	}

	msg := message.Message{
		ID:          id,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		ContentType: r.codec.ContentType(),
		Body:        body,
		Headers:     maps.Clone(po.headers),
		PublishedAt: time.Now().UTC(),
	}

	outcomes := make([]outcome, len(targets))
	if len(targets) == 1 {
		outcomes[0] = r.enqueue(ctx, targets[0], msg)
	} else {
		// Очередь с политикой block не должна задерживать остальные.
		var wg conc.WaitGroup
		for i, name := range targets {
			wg.Go(func() {
				outcomes[i] = r.enqueue(ctx, name, msg)
			})
		}
		wg.Wait()
	}

	for i, o := range outcomes {
		if o.err != nil {
			res.Errors = append(res.Errors, QueueError{Queue: targets[i], Err: o.err})
			continue
		}
		res.Routed++
		if !o.accepted {
			res.Dropped = append(res.Dropped, targets[i])
		}
	}

	if len(res.Errors) > 0 {
		r.logger.Warn("сообщение доставлено не во все очереди",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.String("message_id", id),
			slog.Int("routed", res.Routed),
			slog.Any("error", res.Err()),
		)
	}
	return res, nil
}

type outcome struct {
	accepted bool
	err      error
}

func (r *Router) enqueue(ctx context.Context, queue string, msg message.Message) outcome {
	accepted, err := r.mailboxes.Enqueue(ctx, queue, msg.Clone())
	return outcome{accepted: accepted, err: err}
}
