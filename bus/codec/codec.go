// Package codec сериализует полезную нагрузку сообщений в самоописываемое
// текстовое представление и обратно.
package codec

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ContentTypeJSON — тип содержимого, который выставляет JSON-кодек.
const ContentTypeJSON = "application/json"

var (
	// ErrEncoding возвращается, если полезную нагрузку нельзя сериализовать.
	ErrEncoding = errors.New("codec: не удалось сериализовать полезную нагрузку")
	// ErrDecoding возвращается, если тело сообщения нельзя десериализовать.
	ErrDecoding = errors.New("codec: не удалось десериализовать полезную нагрузку")
)

// Codec определяет контракт кодека конверта сообщения.
type Codec interface {
	// Encode сериализует значение. Ошибки оборачивают ErrEncoding.
	Encode(v any) ([]byte, error)
	// Decode десериализует data в значение по указателю target.
	// Ошибки оборачивают ErrDecoding.
	Decode(data []byte, target any) error
	// ContentType возвращает тип содержимого, который производит Encode.
	ContentType() string
}

// Raw — уже сериализованная полезная нагрузка. Кодек передает ее без
// повторной сериализации.
type Raw []byte

// jsonCodec — реализация Codec поверх json-iterator в режиме совместимости
// со стандартной библиотекой.
type jsonCodec struct {
	api jsoniter.API
}

// JSON возвращает JSON-кодек.
func JSON() Codec {
	return &jsonCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

// Default — кодек по умолчанию.
var Default = JSON()

func (c *jsonCodec) Encode(v any) ([]byte, error) {
	if raw, ok := v.(Raw); ok {
		if !c.api.Valid(raw) {
			return nil, fmt.Errorf("%w: некорректный JSON в Raw", ErrEncoding)
		}
		return append([]byte(nil), raw...), nil
	}

	data, err := c.api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func (c *jsonCodec) Decode(data []byte, target any) error {
	if err := c.api.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	return nil
}

func (c *jsonCodec) ContentType() string {
	return ContentTypeJSON
}

// DecodeAs десериализует data в новое значение типа T.
func DecodeAs[T any](c Codec, data []byte) (T, error) {
	var v T
	if err := c.Decode(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
