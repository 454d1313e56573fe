// Package queue реализует почтовые ящики очередей: упорядоченное хранение
// недоставленных сообщений с учетом политики долговечности.
package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrQueueFull возвращается, когда долговечная очередь достигла емкости
	// и политика переполнения OverflowReject.
	ErrQueueFull = errors.New("queue: очередь переполнена")
	// ErrQueueNotFound возвращается для обращения к необъявленной очереди.
	ErrQueueNotFound = errors.New("queue: очередь не найдена")
	// ErrQueueExists возвращается при повторном объявлении очереди с другой конфигурацией.
	ErrQueueExists = errors.New("queue: очередь уже объявлена с другой конфигурацией")
	// ErrEmptyName возвращается для очереди без имени.
	ErrEmptyName = errors.New("queue: имя очереди не может быть пустым")
	// ErrUnknownMessage возвращается при подтверждении сообщения, которое не
	// находится в обработке.
	ErrUnknownMessage = errors.New("queue: сообщение не находится в обработке")
	// ErrDuplicateMessage возвращается, если долговечная очередь уже хранит
	// неподтвержденное сообщение с тем же ID.
	ErrDuplicateMessage = errors.New("queue: сообщение с таким ID уже в очереди")
	// ErrInvalidConfig возвращается для некорректной конфигурации очереди.
	ErrInvalidConfig = errors.New("queue: некорректная конфигурация")
)

// Overflow определяет поведение долговечной очереди при достижении емкости.
type Overflow int

const (
	// OverflowReject немедленно отклоняет сообщение с ErrQueueFull.
	OverflowReject Overflow = iota
	// OverflowBlock приостанавливает постановку до освобождения места или
	// отмены контекста.
	OverflowBlock
)

func (o Overflow) String() string {
	switch o {
	case OverflowReject:
		return "reject"
	case OverflowBlock:
		return "block"
	default:
		return fmt.Sprintf("Overflow(%d)", int(o))
	}
}

// ParseOverflow разбирает имя политики. Пустая строка означает OverflowReject.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverflowReject, nil
	case "block":
		return OverflowBlock, nil
	default:
		return 0, fmt.Errorf("%w: неизвестная политика переполнения %q", ErrInvalidConfig, s)
	}
}

// Config описывает очередь.
type Config struct {
	Name string
	// Durable: сохранять сообщения до подтверждения потребителем.
	// Транзиентная очередь отбрасывает сообщения, пока нет потребителей.
	Durable bool
	// Capacity - это максимальное число сообщений в очереди (ожидающих и в
	// обработке). 0 означает отсутствие ограничения.
	Capacity int
	// Overflow - это политика долговечной очереди при достижении Capacity.
	Overflow Overflow
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.Name == "" {
		return ErrEmptyName
	}
	if c.Capacity < 0 {
		return fmt.Errorf("%w: отрицательная емкость очереди %s", ErrInvalidConfig, c.Name)
	}
	if c.Overflow != OverflowReject && c.Overflow != OverflowBlock {
		return fmt.Errorf("%w: политика %s для очереди %s", ErrInvalidConfig, c.Overflow, c.Name)
	}
	return nil
}

// Stats - это снимок счетчиков очереди.
type Stats struct {
	Name      string
	Durable   bool
	Pending   int
	InFlight  int
	Consumers int
	Enqueued  uint64
	Acked     uint64
	Dropped   uint64
	Rejected  uint64
}
