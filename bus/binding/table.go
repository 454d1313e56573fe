package binding

import (
	"fmt"
	"slices"
	"sync"
)

// Table — потокобезопасная таблица привязок. Разрешение маршрутов выполняется
// под блокировкой чтения, изменение — под эксклюзивной блокировкой, поэтому
// Bind и Unbind никогда не пересекаются с выполняющимся Resolve.
type Table struct {
	mu        sync.RWMutex
	exchanges map[string][]Binding
}

// NewTable создает пустую таблицу привязок.
func NewTable() *Table {
	return &Table{
		exchanges: make(map[string][]Binding),
	}
}

// DeclareExchange объявляет точку обмена. Повторное объявление ничего не делает.
func (t *Table) DeclareExchange(name string) error {
	if name == "" {
		return ErrEmptyExchange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.exchanges[name]; !ok {
		t.exchanges[name] = nil
	}
	return nil
}

// Bind добавляет привязку к объявленной точке обмена.
func (t *Table) Bind(b Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bindings, ok := t.exchanges[b.Exchange]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, b.Exchange)
	}
	for _, existing := range bindings {
		if existing.Overlaps(b) {
			return fmt.Errorf("%w: %s и %s", ErrOverlappingBinding, existing, b)
		}
	}

	t.exchanges[b.Exchange] = append(slices.Clip(bindings), b)
	return nil
}

// Unbind удаляет привязку. Возвращает false, если такой привязки не было.
func (t *Table) Unbind(b Binding) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	bindings := t.exchanges[b.Exchange]
	idx := slices.Index(bindings, b)
	if idx < 0 {
		return false
	}
	t.exchanges[b.Exchange] = slices.Delete(slices.Clone(bindings), idx, idx+1)
	return true
}

// Resolve возвращает очереди, привязки которых совпадают с ключом
// маршрутизации. Каждая очередь встречается не более одного раза; порядок
// соответствует порядку добавления привязок. Для неизвестной точки обмена
// возвращается пустой результат.
func (t *Table) Resolve(exchange, routingKey string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bindings := t.exchanges[exchange]
	if len(bindings) == 0 {
		return nil
	}

	queues := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if b.Matches(routingKey) && !slices.Contains(queues, b.Queue) {
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// HasExchange сообщает, объявлена ли точка обмена.
func (t *Table) HasExchange(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.exchanges[name]
	return ok
}

// Exchanges возвращает отсортированный список объявленных точек обмена.
func (t *Table) Exchanges() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.exchanges))
	for name := range t.exchanges {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Bindings возвращает копию привязок точки обмена.
func (t *Table) Bindings(exchange string) []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.exchanges[exchange])
}
