// Package binding хранит правила, связывающие точки обмена и ключи
// маршрутизации с очередями назначения.
package binding

import (
	"errors"
	"fmt"
)

// Wildcard — шаблон, совпадающий с любым ключом маршрутизации, включая пустой.
const Wildcard = "#"

var (
	// ErrEmptyExchange возвращается при попытке объявить точку обмена без имени.
	ErrEmptyExchange = errors.New("binding: имя точки обмена не может быть пустым")
	// ErrEmptyQueue возвращается для привязки без очереди назначения.
	ErrEmptyQueue = errors.New("binding: имя очереди не может быть пустым")
	// ErrExchangeNotFound возвращается для привязки к необъявленной точке обмена.
	ErrExchangeNotFound = errors.New("binding: точка обмена не найдена")
	// ErrOverlappingBinding возвращается, если новая привязка пересекается с
	// уже существующей привязкой той же точки обмена к той же очереди.
	ErrOverlappingBinding = errors.New("binding: привязка пересекается с существующей")
)

// Binding — правило (точка обмена, шаблон ключа, очередь назначения).
type Binding struct {
	Exchange string
	// Pattern — точный ключ маршрутизации или Wildcard.
	Pattern string
	Queue   string
}

// Matches сообщает, совпадает ли привязка с ключом маршрутизации.
func (b Binding) Matches(routingKey string) bool {
	return b.Pattern == Wildcard || b.Pattern == routingKey
}

// Overlaps сообщает, может ли одно сообщение совпасть одновременно с b и o,
// направляясь в одну и ту же очередь.
func (b Binding) Overlaps(o Binding) bool {
	if b.Exchange != o.Exchange || b.Queue != o.Queue {
		return false
	}
	return b.Pattern == o.Pattern || b.Pattern == Wildcard || o.Pattern == Wildcard
}

// IsWildcard сообщает, совпадает ли привязка с любым ключом.
func (b Binding) IsWildcard() bool {
	return b.Pattern == Wildcard
}

func (b Binding) String() string {
	return fmt.Sprintf("%s[%q] -> %s", b.Exchange, b.Pattern, b.Queue)
}

// Validate проверяет обязательные поля привязки.
func (b Binding) Validate() error {
	if b.Exchange == "" {
		return ErrEmptyExchange
	}
	if b.Queue == "" {
		return fmt.Errorf("%w: %s", ErrEmptyQueue, b)
	}
	return nil
}
