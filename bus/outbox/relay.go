package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
)

// Publisher - это получатель ретранслируемых сообщений. Ему удовлетворяют
// broker.Broker и любой broker.Provider.
type Publisher interface {
	Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (exchange.Result, error)
}

// Relay - это фоновый процесс для надежной доставки сообщений из outbox.
// Сообщение помечается обработанным, если публикация не вернула ошибку.
// Ошибки отдельных очередей только логируются: повторная публикация
// продублировала бы сообщение в очередях, которые его уже приняли.
type Relay struct {
	storage    Storage
	publisher  Publisher
	propagator propagation.TextMapPropagator
	interval   time.Duration
	limit      int
	logger     *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewRelay создает новый экземпляр Relay.
func NewRelay(storage Storage, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		storage:    storage,
		publisher:  publisher,
		propagator: propagation.TraceContext{},
		interval:   5 * time.Second,
		limit:      100,
		logger:     slog.New(slog.DiscardHandler),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start запускает фоновый процесс. Процесс завершается по Stop или при
// отмене ctx.
func (r *Relay) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.run(ctx)
	})
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("ретранслятор outbox запущен", slog.Duration("interval", r.interval))
	for {
		select {
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Error("ошибка при обработке пакета outbox", slog.Any("error", err))
			}
		case <-r.stop:
			r.logger.Info("ретранслятор outbox остановлен")
			return
		case <-ctx.Done():
			r.logger.Info("ретранслятор outbox остановлен", slog.Any("reason", ctx.Err()))
			return
		}
	}
}

// Flush выполняет один цикл выборки и отправки сообщений и возвращает
// число сообщений, помеченных обработанными.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	messages, err := r.storage.Fetch(ctx, r.limit)
	if err != nil {
		return 0, err
	}

	if len(messages) == 0 {
		return 0, nil
	}

	r.logger.Debug("извлечено сообщений для ретрансляции", slog.Int("count", len(messages)))

	processedIDs := make([]uuid.UUID, 0, len(messages))
	for _, msg := range messages {
		pubCtx := r.propagator.Extract(withRelay(ctx), propagation.MapCarrier(msg.Headers))

		opts := []exchange.PublishOption{
			exchange.WithHeaders(msg.Headers),
			exchange.WithMessageID(msg.ID.String()),
		}
		if msg.Mandatory {
			opts = append(opts, exchange.WithMandatory())
		}

		res, err := r.publisher.Publish(pubCtx, msg.Exchange, msg.RoutingKey, codec.Raw(msg.Payload), opts...)
		if err != nil {
			r.logger.Error("ошибка публикации сообщения outbox",
				slog.String("message_id", msg.ID.String()),
				slog.String("exchange", msg.Exchange),
				slog.Any("error", err),
			)
			continue
		}
		if qerr := res.Err(); qerr != nil {
			r.logger.Warn("сообщение outbox принято не всеми очередями",
				slog.String("message_id", msg.ID.String()),
				slog.Any("error", qerr),
			)
		}

		processedIDs = append(processedIDs, msg.ID)
	}

	if len(processedIDs) > 0 {
		if err := r.storage.MarkProcessed(ctx, processedIDs...); err != nil {
			return 0, err
		}
		r.logger.Info("сообщения outbox ретранслированы", slog.Int("count", len(processedIDs)))
	}

	return len(processedIDs), nil
}

// Stop останавливает фоновый процесс и дожидается завершения текущего цикла.
// После Stop вызов Start ничего не делает.
func (r *Relay) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.startOnce.Do(func() { close(r.done) })

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
