package orders

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/metrics"
	"github.com/vladislavdragonenkov/orders/internal/service/catalog"
	"github.com/vladislavdragonenkov/orders/internal/storage/memory"
)

type engineFixture struct {
	engine  *Engine
	repo    *countingRepo
	catalog *catalog.StaticCatalog
	outbox  *memory.OutboxRepository
}

func newEngineFixture(t *testing.T, options ...Option) engineFixture {
	t.Helper()

	repo := &countingRepo{OrderRepository: memory.NewOrderRepository()}
	products := catalog.NewStaticCatalog(
		domain.ProductRef{ID: "P1", Name: "Keyboard", Price: 10},
		domain.ProductRef{ID: "P2", Name: "Mouse", Price: 5},
		domain.ProductRef{ID: "P3", Name: "Monitor", Price: 100.5},
	)
	outbox := memory.NewOutboxRepository()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	opts := append([]Option{
		WithOutbox(outbox),
		WithClock(clock),
		WithMetrics(metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())),
	}, options...)

	return engineFixture{
		engine:  NewEngine(repo, products, opts...),
		repo:    repo,
		catalog: products,
		outbox:  outbox,
	}
}

func TestEngine_CreateComputesTotals(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	view, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{
		{ProductID: "P1", Quantity: 2},
		{ProductID: "P2", Quantity: 1},
	}})
	require.NoError(t, err)

	require.Equal(t, float64(25), view.TotalAmount)
	require.Equal(t, int32(3), view.TotalItems)
	require.Equal(t, domain.OrderStatusPending, view.Status)
	require.Len(t, view.Items, 2)
	require.Equal(t, "Keyboard", *view.Items[0].Name)
	require.Equal(t, float64(10), view.Items[0].Price)
	require.Equal(t, "Mouse", *view.Items[1].Name)
	require.Equal(t, 1, f.catalog.Calls())

	stored, err := f.repo.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.Empty(t, stored.ValidateInvariants())
}

func TestEngine_CreateResolvesDistinctProductsOnce(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	view, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{
		{ProductID: "P1", Quantity: 1},
		{ProductID: "P2", Quantity: 2},
		{ProductID: "P1", Quantity: 3},
	}})
	require.NoError(t, err)

	require.Equal(t, 1, f.catalog.Calls())
	require.Equal(t, []string{"P1", "P2"}, f.catalog.LastIDs())
	require.Equal(t, float64(50), view.TotalAmount)
	require.Equal(t, int32(6), view.TotalItems)
	require.Len(t, view.Items, 3)
}

func TestEngine_CreateUnknownProductPersistsNothing(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	_, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{
		{ProductID: "P1", Quantity: 1},
		{ProductID: "missing", Quantity: 1},
	}})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.True(t, domain.IsBadRequest(err))
	require.Contains(t, err.Error(), "missing")

	total, err := f.repo.Count(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, total)
	require.Zero(t, f.repo.creates())
	require.Empty(t, f.outbox.AllPending())
}

func TestEngine_CreateValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input CreateOrderInput
		want  error
	}{
		{name: "no items", input: CreateOrderInput{}, want: domain.ErrItemsRequired},
		{name: "empty product", input: CreateOrderInput{Items: []CreateItemInput{{ProductID: " ", Quantity: 1}}}, want: domain.ErrProductIDRequired},
		{name: "zero quantity", input: CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 0}}}, want: domain.ErrItemQtyInvalid},
		{name: "negative quantity", input: CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: -2}}}, want: domain.ErrItemQtyInvalid},
		{name: "total items overflow", input: CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 2000000000}, {ProductID: "P2", Quantity: 2000000000}}}, want: domain.ErrTotalItemsOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newEngineFixture(t)

			_, err := f.engine.Create(context.Background(), tt.input)
			require.ErrorIs(t, err, tt.want)
			require.Zero(t, f.catalog.Calls())
		})
	}
}

func TestEngine_CreateAcceptsMaxTotalItems(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	view, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{
		{ProductID: "P1", Quantity: math.MaxInt32 - 1},
		{ProductID: "P2", Quantity: 1},
	}})
	require.NoError(t, err)
	require.Equal(t, int32(math.MaxInt32), view.TotalItems)
}

func TestEngine_CreateRejectsBrokenCatalogPrice(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.catalog.Put(domain.ProductRef{ID: "P1", Name: "Keyboard", Price: -10})

	_, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "violates invariants")
	require.False(t, domain.IsBadRequest(err))
	require.Zero(t, f.repo.creates())
	require.Empty(t, f.outbox.AllPending())
}

func TestEngine_CreateUpstreamFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.catalog.ResolveErr = errors.New("connection refused")

	_, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.False(t, domain.IsBadRequest(err))
	require.Zero(t, f.repo.creates())
}

func TestEngine_CreatePersistenceFailure(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.repo.createErr = errors.New("disk full")

	_, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.Error(t, err)
	require.False(t, domain.IsBadRequest(err))
	require.Empty(t, f.outbox.AllPending())
}

func TestEngine_CreateEnqueuesOutboxEvent(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	view, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{{ProductID: "P3", Quantity: 2}}})
	require.NoError(t, err)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventTypeOrderCreated, pending[0].EventType)
	require.Equal(t, view.ID, pending[0].AggregateID)

	var payload domain.OrderView
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	require.Equal(t, float64(201), payload.TotalAmount)
}

func TestEngine_ListPagination(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	created := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		view, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
		require.NoError(t, err)
		created = append(created, view.ID)
	}
	paid, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P2", Quantity: 1}}})
	require.NoError(t, err)
	_, err = f.engine.ChangeStatus(ctx, paid.ID, domain.OrderStatusPaid)
	require.NoError(t, err)

	callsBefore := f.catalog.Calls()
	status := domain.OrderStatusPending
	page, err := f.engine.List(ctx, domain.ListQuery{Status: &status, Page: 2, Limit: 5})
	require.NoError(t, err)

	require.Equal(t, domain.PageMeta{Total: 12, Page: 2, LastPage: 3}, page.Meta)
	require.Len(t, page.Data, 5)
	// Новые заказы идут первыми: вторая страница содержит позиции 6..10.
	for i, order := range page.Data {
		require.Equal(t, created[len(created)-6-i], order.ID)
		require.Empty(t, order.Items)
	}
	require.Equal(t, callsBefore, f.catalog.Calls())
}

func TestEngine_ListPageBeyondLast(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
		require.NoError(t, err)
	}

	page, err := f.engine.List(ctx, domain.ListQuery{Page: 4, Limit: 2})
	require.NoError(t, err)
	require.NotNil(t, page.Data)
	require.Empty(t, page.Data)
	require.Equal(t, domain.PageMeta{Total: 3, Page: 4, LastPage: 2}, page.Meta)

	body, err := json.Marshal(page)
	require.NoError(t, err)
	require.JSONEq(t, `{"data":[],"meta":{"total":3,"page":4,"lastPage":2}}`, string(body))
}

func TestEngine_ListDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	page, err := f.engine.List(context.Background(), domain.ListQuery{})
	require.NoError(t, err)
	require.Equal(t, domain.PageMeta{Total: 0, Page: 1, LastPage: 0}, page.Meta)
	require.Empty(t, page.Data)

	_, err = f.engine.List(context.Background(), domain.ListQuery{Page: -1})
	require.ErrorIs(t, err, domain.ErrInvalidPage)

	_, err = f.engine.List(context.Background(), domain.ListQuery{Limit: -5})
	require.ErrorIs(t, err, domain.ErrInvalidPageLimit)

	bogus := domain.OrderStatus("SHIPPED")
	_, err = f.engine.List(context.Background(), domain.ListQuery{Status: &bogus})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestEngine_GetEnrichesWithSingleResolverCall(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{
		{ProductID: "P1", Quantity: 1},
		{ProductID: "P2", Quantity: 1},
		{ProductID: "P1", Quantity: 4},
	}})
	require.NoError(t, err)

	f.catalog.Put(domain.ProductRef{ID: "P1", Name: "Mechanical keyboard", Price: 99})
	callsBefore := f.catalog.Calls()

	view, err := f.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, callsBefore+1, f.catalog.Calls())
	require.ElementsMatch(t, []string{"P1", "P2"}, f.catalog.LastIDs())

	require.Len(t, view.Items, 3)
	for _, item := range view.Items {
		require.NotNil(t, item.Name)
		if item.ProductID == "P1" {
			require.Equal(t, "Mechanical keyboard", *item.Name)
			// Цена остаётся снимком на момент создания.
			require.Equal(t, float64(10), item.Price)
		}
	}
	require.Equal(t, created.TotalAmount, view.TotalAmount)
}

func TestEngine_GetMissingProductHasNullName(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{
		{ProductID: "P1", Quantity: 1},
		{ProductID: "P2", Quantity: 1},
	}})
	require.NoError(t, err)
	f.catalog.Remove("P2")

	view, err := f.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Keyboard", *view.Items[0].Name)
	require.Nil(t, view.Items[1].Name)

	body, err := json.Marshal(view.Items[1])
	require.NoError(t, err)
	require.Contains(t, string(body), `"name":null`)
}

func TestEngine_GetCatalogRejectsProducts(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.NoError(t, err)
	f.catalog.ResolveErr = domain.ErrProductNotFound

	view, err := f.engine.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Nil(t, view.Items[0].Name)
}

func TestEngine_GetNotFoundAndUpstream(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Get(ctx, "2b4f1d8e-6c55-4a7f-9d1a-5d2f3c1b0a99")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.Zero(t, f.catalog.Calls())

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.NoError(t, err)
	f.catalog.ResolveErr = context.DeadlineExceeded

	_, err = f.engine.Get(ctx, created.ID)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestEngine_ChangeStatusSameStatusIsNoop(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.NoError(t, err)
	before, err := f.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	eventsBefore := len(f.outbox.AllPending())

	result, err := f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusPending)
	require.NoError(t, err)

	before.Items = nil
	require.Equal(t, before, result)
	require.Zero(t, f.repo.updates())
	require.Len(t, f.outbox.AllPending(), eventsBefore)
}

func TestEngine_ChangeStatusUpdates(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.NoError(t, err)

	updated, err := f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusDelivered)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDelivered, updated.Status)
	require.Equal(t, int64(2), updated.Version)
	require.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	require.Equal(t, 1, f.repo.updates())

	// Обратные переходы разрешены политикой по умолчанию.
	back, err := f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusPending)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, back.Status)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 3)
	require.Equal(t, domain.EventTypeOrderStatusChanged, pending[1].EventType)

	var event statusChangedEvent
	require.NoError(t, json.Unmarshal(pending[1].Payload, &event))
	require.Equal(t, domain.OrderStatusPending, event.From)
	require.Equal(t, domain.OrderStatusDelivered, event.To)
}

func TestEngine_ChangeStatusErrors(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.ChangeStatus(ctx, "6f1c9a3e-0d7b-4e8f-a2c5-7b9d1e3f5a70", domain.OrderStatusPaid)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatus("SHIPPED"))
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
	require.Zero(t, f.repo.updates())
}

func TestEngine_ChangeStatusStrictPolicy(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, WithTransitionPolicy(domain.StrictTransitions{}))
	ctx := context.Background()

	created, err := f.engine.Create(ctx, CreateOrderInput{Items: []CreateItemInput{{ProductID: "P1", Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusDelivered)
	require.ErrorIs(t, err, domain.ErrTransitionNotAllowed)

	_, err = f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusPaid)
	require.NoError(t, err)
	_, err = f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusDelivered)
	require.NoError(t, err)

	_, err = f.engine.ChangeStatus(ctx, created.ID, domain.OrderStatusCancelled)
	require.ErrorIs(t, err, domain.ErrTransitionNotAllowed)
	require.Equal(t, 2, f.repo.updates())
}

func TestEngine_OutboxFailureDoesNotFailOperation(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	products := catalog.NewStaticCatalog(catalog.DefaultProducts()...)
	engine := NewEngine(repo, products, WithOutbox(failingOutbox{}))

	view, err := engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{{ProductID: "1", Quantity: 1}}})
	require.NoError(t, err)

	_, err = engine.ChangeStatus(context.Background(), view.ID, domain.OrderStatusCancelled)
	require.NoError(t, err)
}

func TestEngine_ConcurrentCreates(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	errs := make(chan error, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Create(context.Background(), CreateOrderInput{Items: []CreateItemInput{{ProductID: "P2", Quantity: 2}}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total, err := f.repo.Count(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 20, total)
}

type countingRepo struct {
	domain.OrderRepository

	mu          sync.Mutex
	createErr   error
	createCalls int
	updateCalls int
}

func (r *countingRepo) Create(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	r.createCalls++
	err := r.createErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.OrderRepository.Create(ctx, order)
}

func (r *countingRepo) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, updatedAt time.Time) (domain.Order, error) {
	r.mu.Lock()
	r.updateCalls++
	r.mu.Unlock()
	return r.OrderRepository.UpdateStatus(ctx, id, status, updatedAt)
}

func (r *countingRepo) creates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createCalls
}

func (r *countingRepo) updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateCalls
}

type failingOutbox struct{}

func (failingOutbox) Enqueue(context.Context, domain.OutboxMessage) (domain.OutboxMessage, error) {
	return domain.OutboxMessage{}, errors.New("outbox unavailable")
}

func (failingOutbox) PullPending(context.Context, int) ([]domain.OutboxMessage, error) {
	return nil, nil
}

func (failingOutbox) Stats(context.Context) (domain.OutboxStats, error) {
	return domain.OutboxStats{}, nil
}

func (failingOutbox) MarkSent(context.Context, string) error { return nil }

func (failingOutbox) MarkFailed(context.Context, string) error { return nil }
