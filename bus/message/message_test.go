package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Clone(t *testing.T) {
	t.Parallel()

	original := Message{
		ID:          "id-1",
		Exchange:    "registration",
		RoutingKey:  "",
		ContentType: "application/json",
		Body:        []byte(`{"email":"bob@example.com"}`),
		Headers:     map[string]string{"traceparent": "00-abc"},
		PublishedAt: time.Unix(1594559871, 0),
	}

	clone := original.Clone()
	require.Equal(t, original, clone)

	clone.Body[0] = 'X'
	clone.Headers["traceparent"] = "changed"

	assert.Equal(t, byte('{'), original.Body[0], "тело оригинала не должно меняться")
	assert.Equal(t, "00-abc", original.Header("traceparent"), "заголовки оригинала не должны меняться")
}

func TestMessage_WithQueue(t *testing.T) {
	t.Parallel()

	original := Message{ID: "id-2", Exchange: "login"}
	copyA := original.WithQueue("q_app")
	copyB := original.WithQueue("q_mail")

	assert.Equal(t, "q_app", copyA.Queue)
	assert.Equal(t, "q_mail", copyB.Queue)
	assert.Empty(t, original.Queue)
	assert.Equal(t, original.ID, copyA.ID, "копии одной публикации разделяют ID")
}

func TestMessage_HeaderNil(t *testing.T) {
	t.Parallel()

	var m Message
	assert.Empty(t, m.Header("missing"))
	assert.Nil(t, m.Clone().Headers)
}
