// Package delivery реализует диспетчер доставки: по одной горутине на
// очередь, которая извлекает сообщения из почтового ящика и передает их
// подписанным обработчикам в порядке поступления.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/goccy/go-reflect"

	"github.com/x-research-team/dtx-exchange/bus/message"
)

var (
	// ErrHandlerFailure оборачивает любую ошибку обработчика. Издатель ее
	// никогда не получает.
	ErrHandlerFailure = errors.New("delivery: ошибка обработчика")
	// ErrHandlerPanic добавляется к ErrHandlerFailure, если обработчик паниковал.
	ErrHandlerPanic = errors.New("delivery: паника в обработчике")
	// ErrStopped возвращается при подписке на остановленный диспетчер.
	ErrStopped = errors.New("delivery: диспетчер остановлен")
	// ErrNilHandler возвращается при подписке без обработчика.
	ErrNilHandler = errors.New("delivery: обработчик не задан")
)

// Handler обрабатывает одно сообщение очереди.
type Handler func(ctx context.Context, msg message.Message) error

// Middleware - это функция-декоратор для Handler.
type Middleware func(next Handler) Handler

// ErrorHandler получает ошибку обработчика конкретной подписки.
type ErrorHandler func(err error, msg message.Message)

// Failure описывает неудачную доставку сообщения одному обработчику.
type Failure struct {
	Queue        string
	Subscription string
	Handler      string
	Message      message.Message
	Err          error
}

// FailureHook вызывается для каждой неудачной доставки в дополнение к
// ErrorHandler подписки.
type FailureHook func(Failure)

// Source - это почтовый ящик, из которого читает диспетчер. Его реализует
// queue.Queue, а также адаптеры сетевых брокеров.
type Source interface {
	Name() string
	// TryDequeue извлекает следующее сообщение без ожидания.
	TryDequeue() (message.Message, bool)
	// Ack подтверждает успешно переданное обработчикам сообщение.
	Ack(ctx context.Context, id string) error
	// Requeue возвращает извлеченное сообщение в голову очереди.
	Requeue(msg message.Message)
	// Ready сигнализирует о появлении сообщений.
	Ready() <-chan struct{}
	Attach() int
	Detach() int
}

// State - это состояние диспетчера.
type State int32

const (
	// Idle: диспетчер ждет сообщений или подписчиков.
	Idle State = iota
	// Dispatching: сообщение передается обработчикам.
	Dispatching
	// Stopped: диспетчер завершил работу.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats - это снимок счетчиков диспетчера.
type Stats struct {
	Queue       string
	State       State
	Subscribers int
	Delivered   uint64
	Failed      uint64
}

// HandlerName возвращает имя функции-обработчика для логов и метрик.
func HandlerName(handler any) string {
	v := reflect.ValueOf(handler)
	if v.Kind() == reflect.Func {
		if pc := v.Pointer(); pc != 0 {
			if f := runtime.FuncForPC(pc); f != nil {
				return f.Name()
			}
		}
	}
	return reflect.TypeOf(handler).String()
}
