// Package topology описывает декларативную конфигурацию маршрутизатора:
// точки обмена, их привязки и очереди. Топологию можно загрузить из файла
// (YAML, JSON, TOML) или собрать в коде через Builder.
package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/x-research-team/dtx-exchange/bus/binding"
	"github.com/x-research-team/dtx-exchange/bus/queue"
)

var (
	// ErrInvalidTopology оборачивает все ошибки проверки топологии.
	ErrInvalidTopology = errors.New("topology: некорректная топология")
	// ErrFileNotFound возвращается, если файл топологии не существует.
	ErrFileNotFound = errors.New("topology: файл топологии не найден")
)

// Topology — полная конфигурация маршрутизатора.
type Topology struct {
	// Defaults применяются к очередям, в которых соответствующее поле не задано.
	Defaults  QueueDefaults `mapstructure:"defaults"`
	Exchanges []Exchange    `mapstructure:"exchanges"`
	Queues    []Queue       `mapstructure:"queues"`
}

// QueueDefaults — значения по умолчанию для очередей.
type QueueDefaults struct {
	Durable  bool   `mapstructure:"durable"`
	Capacity int    `mapstructure:"capacity"`
	Overflow string `mapstructure:"overflow"`
}

// Exchange — точка обмена и ее привязки.
type Exchange struct {
	Name     string    `mapstructure:"name"`
	Bindings []Binding `mapstructure:"bindings"`
}

// Binding связывает ключ маршрутизации с очередью. RoutingKey "#" совпадает
// с любым ключом, пустой RoutingKey совпадает только с пустым ключом.
type Binding struct {
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
}

// Queue описывает очередь. Незаданные поля берутся из Topology.Defaults.
type Queue struct {
	Name     string `mapstructure:"name"`
	Durable  *bool  `mapstructure:"durable"`
	Capacity *int   `mapstructure:"capacity"`
	Overflow string `mapstructure:"overflow"`
}

// QueueConfigs возвращает конфигурации очередей с примененными значениями
// по умолчанию.
func (t *Topology) QueueConfigs() ([]queue.Config, error) {
	configs := make([]queue.Config, 0, len(t.Queues))
	for _, q := range t.Queues {
		cfg, err := t.queueConfig(q)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (t *Topology) queueConfig(q Queue) (queue.Config, error) {
	cfg := queue.Config{
		Name:     q.Name,
		Durable:  t.Defaults.Durable,
		Capacity: t.Defaults.Capacity,
	}
	if q.Durable != nil {
		cfg.Durable = *q.Durable
	}
	if q.Capacity != nil {
		cfg.Capacity = *q.Capacity
	}

	overflow := q.Overflow
	if overflow == "" {
		overflow = t.Defaults.Overflow
	}
	o, err := queue.ParseOverflow(overflow)
	if err != nil {
		return queue.Config{}, fmt.Errorf("очередь %s: %w", q.Name, err)
	}
	cfg.Overflow = o

	if err := cfg.Validate(); err != nil {
		return queue.Config{}, err
	}
	return cfg, nil
}

// Bindings возвращает все привязки в порядке объявления.
func (t *Topology) Bindings() []binding.Binding {
	var out []binding.Binding
	for _, ex := range t.Exchanges {
		for _, b := range ex.Bindings {
			out = append(out, binding.Binding{Exchange: ex.Name, Pattern: b.RoutingKey, Queue: b.Queue})
		}
	}
	return out
}

// Queue возвращает конфигурацию очереди по имени.
func (t *Topology) Queue(name string) (queue.Config, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			cfg, err := t.queueConfig(q)
			return cfg, err == nil
		}
	}
	return queue.Config{}, false
}

// Validate проверяет имена, дубликаты, ссылки на очереди, пересечения
// привязок и политики переполнения. Все найденные ошибки объединяются.
func (t *Topology) Validate() error {
	var errs []error

	queues := make(map[string]struct{}, len(t.Queues))
	for _, q := range t.Queues {
		if _, err := t.queueConfig(q); err != nil {
			errs = append(errs, err)
		}
		if _, dup := queues[q.Name]; dup {
			errs = append(errs, fmt.Errorf("очередь %s объявлена повторно", q.Name))
		}
		queues[q.Name] = struct{}{}
	}

	exchanges := make(map[string]struct{}, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			errs = append(errs, binding.ErrEmptyExchange)
			continue
		}
		if _, dup := exchanges[ex.Name]; dup {
			errs = append(errs, fmt.Errorf("точка обмена %s объявлена повторно", ex.Name))
		}
		exchanges[ex.Name] = struct{}{}

		var seen []binding.Binding
		for _, b := range ex.Bindings {
			bb := binding.Binding{Exchange: ex.Name, Pattern: b.RoutingKey, Queue: b.Queue}
			if err := bb.Validate(); err != nil {
				errs = append(errs, err)
				continue
			}
			if _, ok := queues[b.Queue]; !ok {
				errs = append(errs, fmt.Errorf("%s: %w: %s", bb, queue.ErrQueueNotFound, b.Queue))
			}
			for _, prev := range seen {
				if prev.Overlaps(bb) {
					errs = append(errs, fmt.Errorf("%w: %s и %s", binding.ErrOverlappingBinding, prev, bb))
				}
			}
			seen = append(seen, bb)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, errors.Join(errs...))
	}
	return nil
}

// QueueDeclarer объявляет очереди. Его реализует queue.Store.
type QueueDeclarer interface {
	Declare(ctx context.Context, cfg queue.Config) (*queue.Queue, error)
}

// Binder объявляет точки обмена и привязки. Его реализует binding.Table.
type Binder interface {
	DeclareExchange(name string) error
	Bind(b binding.Binding) error
}

// Apply проверяет топологию и объявляет очереди, точки обмена и привязки.
func (t *Topology) Apply(ctx context.Context, binder Binder, declarer QueueDeclarer) error {
	if err := t.Validate(); err != nil {
		return err
	}

	configs, err := t.QueueConfigs()
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if _, err := declarer.Declare(ctx, cfg); err != nil {
			return fmt.Errorf("topology: объявление очереди %s: %w", cfg.Name, err)
		}
	}

	for _, ex := range t.Exchanges {
		if err := binder.DeclareExchange(ex.Name); err != nil {
			return fmt.Errorf("topology: объявление точки обмена %s: %w", ex.Name, err)
		}
	}
	for _, b := range t.Bindings() {
		if err := binder.Bind(b); err != nil {
			return fmt.Errorf("topology: привязка %s: %w", b, err)
		}
	}
	return nil
}
