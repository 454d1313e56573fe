package delivery

import (
	"sync"
	"sync/atomic"
)

// Subscription - это регистрация обработчика на очереди. Возвращается из
// Subscribe и служит дескриптором для отписки.
type Subscription struct {
	// id - это UUID подписки.
	id    string
	queue string
	name  string

	handler      Handler
	errorHandler ErrorHandler

	dispatcher *Dispatcher
	once       sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// ID возвращает уникальный идентификатор подписки.
func (s *Subscription) ID() string { return s.id }

// Queue возвращает имя очереди подписки.
func (s *Subscription) Queue() string { return s.queue }

// Name возвращает имя обработчика.
func (s *Subscription) Name() string { return s.name }

// Delivered возвращает число успешно обработанных сообщений.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Failed возвращает число неудачных обработок.
func (s *Subscription) Failed() uint64 { return s.failed.Load() }

// Unsubscribe снимает обработчик с очереди. Повторный вызов ничего не делает.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.dispatcher.remove(s)
	})
}
