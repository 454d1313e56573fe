package exchange

import (
	"errors"
	"fmt"
)

// QueueError - это ошибка постановки сообщения в конкретную очередь.
type QueueError struct {
	Queue string
	Err   error
}

func (e QueueError) Error() string {
	return fmt.Sprintf("очередь %s: %v", e.Queue, e.Err)
}

func (e QueueError) Unwrap() error {
	return e.Err
}

// Result - это итог публикации.
type Result struct {
	// MessageID - это идентификатор опубликованного сообщения.
	MessageID string
	// Targets - это очереди, найденные по привязкам, в порядке привязок.
	Targets []string
	// Routed - это число очередей, принявших сообщение. Транзиентная очередь без
	// потребителей считается принявшей и попадает в Dropped.
	Routed int
	// Dropped - это транзиентные очереди, которые отбросили сообщение.
	Dropped []string
	// Errors - это ошибки отдельных очередей.
	Errors []QueueError
}

// Unroutable сообщает, что ни одна очередь не совпала.
func (r Result) Unroutable() bool {
	return len(r.Targets) == 0
}

// Err объединяет ошибки очередей или возвращает nil.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}
