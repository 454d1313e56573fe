package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/x-research-team/dtx-exchange/bus/message"
	"github.com/x-research-team/dtx-exchange/bus/queue"
)

const (
	// headerExchange и headerRoutingKey переносят исходные точку обмена и
	// ключ маршрутизации: на сервер копия уходит через точку обмена по
	// умолчанию с именем очереди в качестве ключа.
	headerExchange   = "x-dtx-exchange"
	headerRoutingKey = "x-dtx-routing-key"
)

type buffered struct {
	msg message.Message
	d   amqp.Delivery
}

// source - это очередь сервера RabbitMQ в роли delivery.Source. Потребитель
// на сервере существует, пока у очереди есть подписчики: при отписке
// последнего буферизованные доставки возвращаются серверу.
type source struct {
	name      string
	ch        Channel
	tagPrefix string
	logger    *slog.Logger

	mu        sync.Mutex
	buf       []buffered
	inflight  map[string]amqp.Delivery
	consumers int
	tag       string
	err       error
	ready     chan struct{}
}

func newSource(name string, ch Channel, tagPrefix string, logger *slog.Logger) *source {
	return &source{
		name:      name,
		ch:        ch,
		tagPrefix: tagPrefix,
		logger:    logger,
		inflight:  make(map[string]amqp.Delivery),
		ready:     make(chan struct{}, 1),
	}
}

func (s *source) Name() string { return s.name }

func (s *source) Ready() <-chan struct{} { return s.ready }

func (s *source) Attach() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumers++
	if s.consumers == 1 && s.tag == "" {
		s.startLocked()
	}
	return s.consumers
}

func (s *source) Detach() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumers > 0 {
		s.consumers--
	}
	if s.consumers == 0 {
		s.stopLocked()
	}
	return s.consumers
}

func (s *source) startLocked() {
	tag := fmt.Sprintf("%s-%s-%s", s.tagPrefix, s.name, uuid.NewString())
	deliveries, err := s.ch.Consume(s.name, tag, false, false, false, false, nil)
	if err != nil {
		s.err = fmt.Errorf("rabbitmq: не удалось начать потребление из %s: %w", s.name, err)
		s.logger.Error("не удалось начать потребление",
			slog.String("queue", s.name),
			slog.Any("error", err),
		)
		return
	}
	s.tag = tag
	go s.pump(tag, deliveries)
}

func (s *source) stopLocked() {
	if s.tag != "" {
		if err := s.ch.Cancel(s.tag, false); err != nil {
			s.logger.Warn("не удалось отменить потребителя",
				slog.String("queue", s.name),
				slog.Any("error", err),
			)
		}
		s.tag = ""
	}
	for _, b := range s.buf {
		s.nack(b.d)
	}
	s.buf = nil
}

// takeErr возвращает и сбрасывает ошибку последнего запуска потребителя.
func (s *source) takeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.err
	s.err = nil
	return err
}

func (s *source) pump(tag string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		msg := toMessage(s.name, d)

		s.mu.Lock()
		if s.tag != tag {
			s.mu.Unlock()
			s.nack(d)
			continue
		}
		s.buf = append(s.buf, buffered{msg: msg, d: d})
		s.mu.Unlock()

		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

func (s *source) TryDequeue() (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return message.Message{}, false
	}
	b := s.buf[0]
	s.buf[0] = buffered{}
	s.buf = s.buf[1:]
	s.inflight[b.msg.ID] = b.d
	return b.msg, true
}

func (s *source) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	d, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s в очереди %s", queue.ErrUnknownMessage, id, s.name)
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("rabbitmq: подтверждение %s в очереди %s: %w", id, s.name, err)
	}
	return nil
}

func (s *source) Requeue(msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.inflight[msg.ID]
	if !ok {
		return
	}
	delete(s.inflight, msg.ID)

	if s.tag == "" {
		s.nack(d)
		return
	}
	s.buf = append([]buffered{{msg: msg, d: d}}, s.buf...)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// close возвращает серверу все неподтвержденные доставки.
func (s *source) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	for id, d := range s.inflight {
		s.nack(d)
		delete(s.inflight, id)
	}
	s.consumers = 0
}

func (s *source) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		s.logger.Warn("не удалось вернуть доставку серверу",
			slog.String("queue", s.name),
			slog.Any("error", err),
		)
	}
}

func toMessage(queueName string, d amqp.Delivery) message.Message {
	msg := message.Message{
		ID:          d.MessageId,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       queueName,
		ContentType: d.ContentType,
		Body:        d.Body,
		PublishedAt: d.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	for k, v := range d.Headers {
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case []byte:
			s = string(t)
		default:
			s = fmt.Sprint(t)
		}
		switch k {
		case headerExchange:
			msg.Exchange = s
		case headerRoutingKey:
			msg.RoutingKey = s
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string, len(d.Headers))
			}
			msg.Headers[k] = s
		}
	}
	return msg
}
