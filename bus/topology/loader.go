package topology

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Options — параметры загрузки топологии.
type Options struct {
	// EnvPrefix — префикс переменных окружения, например "DTX" отображает
	// DTX_DEFAULTS_CAPACITY на defaults.capacity.
	EnvPrefix string
	// EnvKeyReplacer по умолчанию заменяет "." на "_".
	EnvKeyReplacer *strings.Replacer
	// AutomaticEnv включает переопределение ключей переменными окружения.
	AutomaticEnv bool
	// ConfigType явно задает формат файла (yaml, json, toml).
	ConfigType string
	// Defaults — значения по умолчанию для ключей.
	Defaults map[string]any
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() *Options {
	return &Options{
		EnvKeyReplacer: strings.NewReplacer(".", "_"),
		AutomaticEnv:   true,
		Defaults: map[string]any{
			"defaults.durable":  false,
			"defaults.capacity": 0,
			"defaults.overflow": "reject",
		},
	}
}

// Option — функциональная опция загрузки.
type Option func(*Options)

// WithEnvPrefix задает префикс переменных окружения.
func WithEnvPrefix(prefix string) Option {
	return func(o *Options) {
		o.EnvPrefix = prefix
	}
}

// WithDefaults добавляет значения по умолчанию.
func WithDefaults(defaults map[string]any) Option {
	return func(o *Options) {
		for k, v := range defaults {
			o.Defaults[k] = v
		}
	}
}

// WithConfigType явно задает формат файла.
func WithConfigType(configType string) Option {
	return func(o *Options) {
		o.ConfigType = configType
	}
}

// WithoutEnv отключает переопределение переменными окружения.
func WithoutEnv() Option {
	return func(o *Options) {
		o.AutomaticEnv = false
	}
}

// Load загружает топологию из файла. Формат определяется по расширению.
func Load(path string, opts ...Option) (*Topology, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if options.ConfigType != "" {
		v.SetConfigType(options.ConfigType)
	}
	applyOptions(v, options)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("topology: не удалось прочитать файл %s: %w", path, err)
	}
	return unmarshalAndValidate(v)
}

// LoadFromBytes загружает топологию из данных формата configType.
func LoadFromBytes(data []byte, configType string, opts ...Option) (*Topology, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	v := viper.New()
	v.SetConfigType(configType)
	applyOptions(v, options)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("topology: не удалось прочитать конфигурацию: %w", err)
	}
	return unmarshalAndValidate(v)
}

func applyOptions(v *viper.Viper, options *Options) {
	for key, value := range options.Defaults {
		v.SetDefault(key, value)
	}
	if options.EnvPrefix != "" {
		v.SetEnvPrefix(options.EnvPrefix)
	}
	if options.EnvKeyReplacer != nil {
		v.SetEnvKeyReplacer(options.EnvKeyReplacer)
	}
	if options.AutomaticEnv {
		v.AutomaticEnv()
	}
}

func unmarshalAndValidate(v *viper.Viper) (*Topology, error) {
	topo := new(Topology)
	if err := v.Unmarshal(topo); err != nil {
		return nil, fmt.Errorf("topology: не удалось разобрать конфигурацию: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}
