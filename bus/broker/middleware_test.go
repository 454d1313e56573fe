package broker

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-exchange/bus/delivery"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
	"github.com/x-research-team/dtx-exchange/bus/message"
)

// syncBuffer - это потокобезопасный буфер для логов.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := newBroker(t, WithLogger(logger))

	done := make(chan struct{})
	_, err := b.Subscribe("q_app", func(context.Context, message.Message) error {
		close(done)
		return nil
	}, delivery.WithName("app_notifier"))
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "login", "", UserLoggedIn{ID: "1"})
	require.NoError(t, err)
	<-done

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "сообщение успешно обработано")
	}, time.Second, 5*time.Millisecond)

	logs := out.String()
	assert.Contains(t, logs, "сообщение опубликовано")
	assert.Contains(t, logs, `"payload_type":"UserLoggedIn"`)
	assert.Contains(t, logs, `"handler_name":"app_notifier"`)
	assert.Contains(t, logs, `"exchange":"login"`)
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "ожидалась сумма int64 для %s", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	b := newBroker(t, WithMeterProvider(mp))
	ctx := context.Background()

	mail := &inbox{}
	_, err := b.Subscribe("q_mail", mail.handle)
	require.NoError(t, err)

	_, err = b.Publish(ctx, "login", "", UserLoggedIn{ID: "1"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "login", "login_locked", UserLoggedIn{ID: "2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mail.len() == 1 }, time.Second, 5*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.Eventually(t, func() bool {
		rm = metricdata.ResourceMetrics{}
		if err := reader.Collect(ctx, &rm); err != nil {
			return false
		}
		m, ok := findMetric(rm, "messaging.consume.count")
		if !ok {
			return false
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		return ok && len(sum.DataPoints) == 1 && sum.DataPoints[0].Value == 1
	}, time.Second, 5*time.Millisecond)

	publish, ok := findMetric(rm, "messaging.publish.count")
	require.True(t, ok)
	assert.Equal(t, int64(2), sumInt64(t, publish))

	routed, ok := findMetric(rm, "messaging.publish.routed")
	require.True(t, ok)
	assert.Equal(t, int64(2), sumInt64(t, routed))

	_, ok = findMetric(rm, "messaging.consume.duration")
	assert.True(t, ok)

	depth, ok := findMetric(rm, "messaging.queue.depth")
	require.True(t, ok)
	gauge, ok := depth.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Len(t, gauge.DataPoints, 3)
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	b := newBroker(t, WithTracerProvider(tp))

	headers := make(chan map[string]string, 1)
	_, err := b.Subscribe("q_app", func(ctx context.Context, msg message.Message) error {
		assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
		headers <- msg.Headers
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "login", "", UserLoggedIn{ID: "1"},
		exchange.WithHeaders(map[string]string{"source": "test"}))
	require.NoError(t, err)

	select {
	case h := <-headers:
		assert.NotEmpty(t, h["traceparent"])
		assert.Equal(t, "test", h["source"])
	case <-time.After(time.Second):
		t.Fatal("сообщение не доставлено")
	}

	var spans tracetest.SpanStubs
	require.Eventually(t, func() bool {
		spans = exporter.GetSpans()
		return len(spans) == 2
	}, time.Second, 5*time.Millisecond)

	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		byName[s.Name] = s
	}

	producer, ok := byName["login publish"]
	require.True(t, ok)
	assert.Equal(t, trace.SpanKindProducer, producer.SpanKind)

	consumer, ok := byName["q_app process"]
	require.True(t, ok)
	assert.Equal(t, trace.SpanKindConsumer, consumer.SpanKind)
	assert.Equal(t, producer.SpanContext.TraceID(), consumer.SpanContext.TraceID())
	assert.Equal(t, producer.SpanContext.SpanID(), consumer.Parent.SpanID())
}

func TestMiddlewareFunc(t *testing.T) {
	t.Parallel()

	var calls []string
	mw := MiddlewareFunc(func(next Provider) Provider {
		return &recordingProvider{Provider: next, calls: &calls}
	})
	b := newBroker(t, WithMiddleware(mw))

	_, err := b.Publish(context.Background(), "registration", "", UserRegistered{})
	require.NoError(t, err)
	assert.Equal(t, []string{"registration"}, calls)
}

type recordingProvider struct {
	Provider
	calls *[]string
}

func (p *recordingProvider) Publish(ctx context.Context, exchangeName, routingKey string, payload any, opts ...exchange.PublishOption) (PublishResult, error) {
	*p.calls = append(*p.calls, exchangeName)
	return p.Provider.Publish(ctx, exchangeName, routingKey, payload, opts...)
}

func TestGetPayloadType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "UserLoggedIn", getPayloadType(UserLoggedIn{}))
	assert.Equal(t, "UserLoggedIn", getPayloadType(&UserLoggedIn{}))
	assert.Equal(t, "[]int", getPayloadType([]int{}))
	assert.Equal(t, "nil", getPayloadType(nil))
}

func BenchmarkBroker_Publish(b *testing.B) {
	topo := userEventsTopology(b)
	br, err := New(context.Background(), topo)
	require.NoError(b, err)
	defer func() { _ = br.Shutdown(context.Background()) }()

	for _, q := range []string{"q_app", "q_mail", "q_sms"} {
		_, err := br.Subscribe(q, func(context.Context, message.Message) error { return nil })
		require.NoError(b, err)
	}

	ctx := context.Background()
	event := UserRegistered{ID: "1", Name: "bench", Email: "bench@example.com"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := br.Publish(ctx, "registration", "", event); err != nil {
			b.Fatal(err)
		}
	}
}
