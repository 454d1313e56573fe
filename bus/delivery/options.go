package delivery

import "log/slog"

type options struct {
	logger    *slog.Logger
	onFailure FailureHook
}

// Option - это функциональная опция диспетчера.
type Option func(*options)

// WithLogger устанавливает логгер диспетчера.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFailureHook задает функцию, которая получает каждую неудачную доставку.
func WithFailureHook(hook FailureHook) Option {
	return func(o *options) {
		o.onFailure = hook
	}
}

// subscriptionOptions определяет параметры конкретной подписки.
type subscriptionOptions struct {
	// name - это имя обработчика в логах и метриках. По умолчанию имя функции.
	name         string
	errorHandler ErrorHandler
	middleware   []Middleware
}

// SubscribeOption - это функциональная опция подписки.
type SubscribeOption func(*subscriptionOptions)

// WithName задает имя обработчика.
func WithName(name string) SubscribeOption {
	return func(o *subscriptionOptions) {
		o.name = name
	}
}

// WithErrorHandler задает пользовательский обработчик ошибок подписки.
func WithErrorHandler(handler ErrorHandler) SubscribeOption {
	return func(o *subscriptionOptions) {
		o.errorHandler = handler
	}
}

// WithMiddleware добавляет middleware, которые применяются только к данной подписке.
func WithMiddleware(mw ...Middleware) SubscribeOption {
	return func(o *subscriptionOptions) {
		o.middleware = append(o.middleware, mw...)
	}
}

// NameOf возвращает имя, заданное опцией WithName, либо пустую строку.
func NameOf(opts ...SubscribeOption) string {
	o := subscriptionOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return o.name
}
