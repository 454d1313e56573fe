package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-exchange/bus/binding"
	"github.com/x-research-team/dtx-exchange/bus/codec"
	"github.com/x-research-team/dtx-exchange/bus/exchange"
	"github.com/x-research-team/dtx-exchange/bus/message"
	"github.com/x-research-team/dtx-exchange/bus/queue"
)

type userRegistered struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type userLoggedIn struct {
	Name string `json:"name"`
}

// fixture - это топология примера регистрации и входа с долговечными очередями.
type fixture struct {
	table  *binding.Table
	store  *queue.Store
	router *exchange.Router
}

func newFixture(t *testing.T, durable bool) *fixture {
	t.Helper()

	ctx := context.Background()
	table := binding.NewTable()
	store := queue.NewStore()

	for _, name := range []string{"q_app", "q_mail", "q_sms"} {
		_, err := store.Declare(ctx, queue.Config{Name: name, Durable: durable})
		require.NoError(t, err)
	}
	require.NoError(t, table.DeclareExchange("registration"))
	require.NoError(t, table.DeclareExchange("login"))
	for _, b := range []binding.Binding{
		{Exchange: "registration", Pattern: binding.Wildcard, Queue: "q_mail"},
		{Exchange: "registration", Pattern: binding.Wildcard, Queue: "q_sms"},
		{Exchange: "login", Pattern: "", Queue: "q_app"},
		{Exchange: "login", Pattern: "", Queue: "q_mail"},
		{Exchange: "login", Pattern: "login_failed", Queue: "q_sms"},
	} {
		require.NoError(t, table.Bind(b))
	}

	return &fixture{table: table, store: store, router: exchange.NewRouter(table, store)}
}

func (f *fixture) pending(t *testing.T) map[string]int {
	t.Helper()

	out := make(map[string]int)
	for _, s := range f.store.Stats() {
		out[s.Name] = s.Pending
	}
	return out
}

func TestRouter_RegistrationScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	res, err := f.router.Publish(context.Background(), "registration", "", userRegistered{Name: "Ivan", Email: "ivan@example.com"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Routed)
	assert.Equal(t, []string{"q_mail", "q_sms"}, res.Targets)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, map[string]int{"q_app": 0, "q_mail": 1, "q_sms": 1}, f.pending(t))

	msg, ok := f.store.Dequeue("q_mail")
	require.True(t, ok)
	assert.Equal(t, res.MessageID, msg.ID)
	assert.Equal(t, "registration", msg.Exchange)
	assert.Equal(t, "q_mail", msg.Queue)
	assert.Equal(t, codec.ContentTypeJSON, msg.ContentType)

	decoded, err := codec.DecodeAs[userRegistered](codec.Default, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, userRegistered{Name: "Ivan", Email: "ivan@example.com"}, decoded)
}

func TestRouter_LoginScenario(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		routingKey string
		targets    []string
		pending    map[string]int
	}{
		{
			name:       "успешный вход",
			routingKey: "",
			targets:    []string{"q_app", "q_mail"},
			pending:    map[string]int{"q_app": 1, "q_mail": 1, "q_sms": 0},
		},
		{
			name:       "неудачный вход",
			routingKey: "login_failed",
			targets:    []string{"q_sms"},
			pending:    map[string]int{"q_app": 0, "q_mail": 0, "q_sms": 1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, true)
			res, err := f.router.Publish(context.Background(), "login", tc.routingKey, userLoggedIn{Name: "Ivan"})
			require.NoError(t, err)

			assert.Equal(t, tc.targets, res.Targets)
			assert.Equal(t, len(tc.targets), res.Routed)
			assert.Equal(t, tc.pending, f.pending(t))
		})
	}
}

func TestRouter_TransientDropsCountAsRouted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	res, err := f.router.Publish(context.Background(), "registration", "", userRegistered{Name: "Ivan"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Routed)
	assert.Equal(t, []string{"q_mail", "q_sms"}, res.Dropped)
	assert.Equal(t, map[string]int{"q_app": 0, "q_mail": 0, "q_sms": 0}, f.pending(t))
}

func TestRouter_Unroutable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	t.Run("без привязок", func(t *testing.T) {
		res, err := f.router.Publish(context.Background(), "login", "login_locked", userLoggedIn{})
		require.NoError(t, err)
		assert.True(t, res.Unroutable())
		assert.Zero(t, res.Routed)
	})

	t.Run("неизвестная точка обмена", func(t *testing.T) {
		res, err := f.router.Publish(context.Background(), "orders", "", userLoggedIn{})
		require.NoError(t, err)
		assert.True(t, res.Unroutable())
	})

	t.Run("mandatory", func(t *testing.T) {
		_, err := f.router.Publish(context.Background(), "login", "login_locked", userLoggedIn{}, exchange.WithMandatory())
		assert.ErrorIs(t, err, exchange.ErrUnroutable)
	})

	assert.Equal(t, map[string]int{"q_app": 0, "q_mail": 0, "q_sms": 0}, f.pending(t))
}

func TestRouter_DefaultExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	res, err := f.router.Publish(context.Background(), exchange.DefaultExchange, "q_app", userLoggedIn{Name: "Ivan"})
	require.NoError(t, err)
	assert.Equal(t, []string{"q_app"}, res.Targets)
	assert.Equal(t, 1, res.Routed)

	res, err = f.router.Publish(context.Background(), exchange.DefaultExchange, "q_unknown", userLoggedIn{})
	require.NoError(t, err)
	assert.True(t, res.Unroutable())
}

type unencodable struct{}

func (unencodable) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot encode")
}

func TestRouter_EncodingFailureEnqueuesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	_, err := f.router.Publish(context.Background(), "registration", "", unencodable{})
	require.ErrorIs(t, err, codec.ErrEncoding)
	assert.Equal(t, map[string]int{"q_app": 0, "q_mail": 0, "q_sms": 0}, f.pending(t))
}

func TestRouter_QueueFullIsReportedPerQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := binding.NewTable()
	store := queue.NewStore()
	_, err := store.Declare(ctx, queue.Config{Name: "small", Durable: true, Capacity: 1})
	require.NoError(t, err)
	_, err = store.Declare(ctx, queue.Config{Name: "large", Durable: true})
	require.NoError(t, err)
	require.NoError(t, table.DeclareExchange("events"))
	require.NoError(t, table.Bind(binding.Binding{Exchange: "events", Pattern: binding.Wildcard, Queue: "small"}))
	require.NoError(t, table.Bind(binding.Binding{Exchange: "events", Pattern: binding.Wildcard, Queue: "large"}))

	router := exchange.NewRouter(table, store)
	_, err = router.Publish(ctx, "events", "", 1)
	require.NoError(t, err)

	res, err := router.Publish(ctx, "events", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Routed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "small", res.Errors[0].Queue)
	assert.ErrorIs(t, res.Err(), queue.ErrQueueFull)

	large, _ := store.Queue("large")
	assert.Equal(t, 2, large.Stats().Pending)
}

func TestRouter_BlockingQueueDoesNotDelayOthers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	table := binding.NewTable()
	store := queue.NewStore()
	_, err := store.Declare(ctx, queue.Config{Name: "slow", Durable: true, Capacity: 1, Overflow: queue.OverflowBlock})
	require.NoError(t, err)
	_, err = store.Declare(ctx, queue.Config{Name: "fast", Durable: true})
	require.NoError(t, err)
	require.NoError(t, table.DeclareExchange("events"))
	require.NoError(t, table.Bind(binding.Binding{Exchange: "events", Pattern: binding.Wildcard, Queue: "slow"}))
	require.NoError(t, table.Bind(binding.Binding{Exchange: "events", Pattern: binding.Wildcard, Queue: "fast"}))

	router := exchange.NewRouter(table, store)
	_, err = router.Publish(ctx, "events", "", 1)
	require.NoError(t, err)

	publishCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res, err := router.Publish(publishCtx, "events", "", 2)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Routed)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], context.DeadlineExceeded)

	fast, _ := store.Queue("fast")
	assert.Equal(t, 2, fast.Stats().Pending)
}

func TestRouter_PublishOptions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	res, err := f.router.Publish(context.Background(), "login", "login_failed", codec.Raw(`{"name":"Ivan"}`),
		exchange.WithMessageID("fixed-id"),
		exchange.WithHeaders(map[string]string{"traceparent": "00-abc"}),
		exchange.WithHeaders(map[string]string{"source": "test"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", res.MessageID)

	msg, ok := f.store.Dequeue("q_sms")
	require.True(t, ok)
	assert.Equal(t, "fixed-id", msg.ID)
	assert.Equal(t, `{"name":"Ivan"}`, string(msg.Body))
	assert.Equal(t, map[string]string{"traceparent": "00-abc", "source": "test"}, msg.Headers)
}

func TestRouter_CopiesAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	_, err := f.router.Publish(context.Background(), "login", "", userLoggedIn{Name: "Ivan"},
		exchange.WithHeaders(map[string]string{"k": "v"}))
	require.NoError(t, err)

	app, _ := f.store.Dequeue("q_app")
	mail, _ := f.store.Dequeue("q_mail")

	app.Headers["k"] = "changed"
	app.Body[0] = 'X'
	assert.Equal(t, "v", mail.Headers["k"])
	assert.Equal(t, byte('{'), mail.Body[0])
}

// countingMailboxes проверяет, что каждая очередь получает ровно одну копию.
type countingMailboxes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMailboxes) Has(string) bool { return true }

func (c *countingMailboxes) Enqueue(_ context.Context, name string, _ message.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[name]++
	return true, nil
}

func TestRouter_ExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	table := binding.NewTable()
	require.NoError(t, table.DeclareExchange("events"))
	for i := range 5 {
		require.NoError(t, table.Bind(binding.Binding{Exchange: "events", Pattern: binding.Wildcard, Queue: fmt.Sprintf("q%d", i)}))
	}
	require.NoError(t, table.Bind(binding.Binding{Exchange: "events", Pattern: "k", Queue: "q_exact"}))

	mailboxes := &countingMailboxes{counts: make(map[string]int)}
	router := exchange.NewRouter(table, mailboxes)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := router.Publish(context.Background(), "events", "k", map[string]int{"n": 1})
			assert.NoError(t, err)
			assert.Equal(t, 6, res.Routed)
		}()
	}
	wg.Wait()

	for name, n := range mailboxes.counts {
		assert.Equal(t, 100, n, name)
	}
	assert.Len(t, mailboxes.counts, 6)
}

// overlappingResolver возвращает очереди как есть, включая повторы.
type overlappingResolver []string

func (r overlappingResolver) Resolve(string, string) []string { return r }

func TestRouter_DeduplicatesTargets(t *testing.T) {
	t.Parallel()

	mailboxes := &countingMailboxes{counts: make(map[string]int)}
	router := exchange.NewRouter(overlappingResolver{"q_mail", "q_sms", "q_mail"}, mailboxes)

	assert.Equal(t, []string{"q_mail", "q_sms"}, router.Targets("registration", ""))

	res, err := router.Publish(context.Background(), "registration", "", map[string]string{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Routed)
	assert.Equal(t, map[string]int{"q_mail": 1, "q_sms": 1}, mailboxes.counts)
}

func BenchmarkRouter_PublishFanOut(b *testing.B) {
	table := binding.NewTable()
	store := queue.NewStore()
	_ = table.DeclareExchange("events")
	for i := range 4 {
		name := fmt.Sprintf("q%d", i)
		q, _ := store.Declare(context.Background(), queue.Config{Name: name})
		q.Attach()
		_ = table.Bind(binding.Binding{Exchange: "events", Pattern: binding.Wildcard, Queue: name})
	}
	router := exchange.NewRouter(table, store)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = router.Publish(context.Background(), "events", "", userLoggedIn{Name: "bench"})
		for j := range 4 {
			store.Dequeue(fmt.Sprintf("q%d", j))
		}
	}
}
