package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/events"
	"github.com/kiwari-pos/queue/internal/notify"
	"go.uber.org/zap"
)

// --- In-memory store ---

// memStore implements OrderStore over maps. memPool hands out one
// transaction at a time, which serializes cascades the way the order row
// lock does in Postgres.
type memStore struct {
	orders map[int64]database.Order
	items  map[int64]database.OrderItem
	users  map[uuid.UUID]database.User
	nextID int64
	clock  time.Time

	// Optional fault injection. Returning a non-nil error short-circuits.
	createOrderFn func(arg database.CreateOrderParams) error
	countAheadErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[int64]database.Order),
		items:  make(map[int64]database.OrderItem),
		users:  make(map[uuid.UUID]database.User),
		clock:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// tick advances the store clock so each created order is strictly later.
func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) snapshot() *memStore {
	c := *m
	c.orders = make(map[int64]database.Order, len(m.orders))
	for k, v := range m.orders {
		c.orders[k] = v
	}
	c.items = make(map[int64]database.OrderItem, len(m.items))
	for k, v := range m.items {
		c.items[k] = v
	}
	return &c
}

func (m *memStore) restore(from *memStore) {
	m.orders = from.orders
	m.items = from.items
	m.nextID = from.nextID
	m.clock = from.clock
}

func (m *memStore) CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
	if m.createOrderFn != nil {
		if err := m.createOrderFn(arg); err != nil {
			return database.Order{}, err
		}
	}
	for _, o := range m.orders {
		if o.PublicID == arg.PublicID {
			return database.Order{}, &pgconn.PgError{Code: "23505", ConstraintName: publicIDConstraint}
		}
	}
	now := m.tick()
	o := database.Order{
		ID:                   m.id(),
		PublicID:             arg.PublicID,
		UserID:               arg.UserID,
		GuestName:            arg.GuestName,
		GuestEmail:           arg.GuestEmail,
		Status:               database.OrderStatusQueued,
		NotificationsEnabled: arg.NotificationsEnabled,
		NotificationMethods:  arg.NotificationMethods,
		TotalAmount:          arg.TotalAmount,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	m.orders[o.ID] = o
	return o, nil
}

func (m *memStore) CreateOrderItem(ctx context.Context, arg database.CreateOrderItemParams) (database.OrderItem, error) {
	if _, ok := m.orders[arg.OrderID]; !ok {
		return database.OrderItem{}, errors.New("foreign key violation")
	}
	i := database.OrderItem{
		ID:            m.id(),
		OrderID:       arg.OrderID,
		ProductID:     arg.ProductID,
		ProductName:   arg.ProductName,
		Quantity:      arg.Quantity,
		UnitPrice:     arg.UnitPrice,
		Customization: arg.Customization,
		Notes:         arg.Notes,
		CreatedAt:     m.clock,
	}
	m.items[i.ID] = i
	return i, nil
}

func (m *memStore) GetOrder(ctx context.Context, id int64) (database.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return database.Order{}, pgx.ErrNoRows
	}
	return o, nil
}

func (m *memStore) GetOrderByPublicID(ctx context.Context, publicID string) (database.Order, error) {
	for _, o := range m.orders {
		if o.PublicID == publicID {
			return o, nil
		}
	}
	return database.Order{}, pgx.ErrNoRows
}

func (m *memStore) GetOrderForUpdate(ctx context.Context, id int64) (database.Order, error) {
	return m.GetOrder(ctx, id)
}

func (m *memStore) ListActiveOrders(ctx context.Context) ([]database.Order, error) {
	var out []database.Order
	for id := int64(1); id <= m.nextID; id++ {
		if o, ok := m.orders[id]; ok && o.Status.Active() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) TransitionOrderStatus(ctx context.Context, arg database.TransitionOrderStatusParams) (database.Order, error) {
	o, ok := m.orders[arg.ID]
	if !ok {
		return database.Order{}, pgx.ErrNoRows
	}
	for _, from := range arg.From {
		if o.Status == from {
			o.Status = arg.Status
			o.UpdatedAt = m.clock
			m.orders[o.ID] = o
			return o, nil
		}
	}
	return database.Order{}, pgx.ErrNoRows
}

func (m *memStore) GetOrderItem(ctx context.Context, id int64) (database.OrderItem, error) {
	i, ok := m.items[id]
	if !ok {
		return database.OrderItem{}, pgx.ErrNoRows
	}
	return i, nil
}

func (m *memStore) ListOrderItemsByOrder(ctx context.Context, orderID int64) ([]database.OrderItem, error) {
	var out []database.OrderItem
	for id := int64(1); id <= m.nextID; id++ {
		if i, ok := m.items[id]; ok && i.OrderID == orderID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *memStore) CompleteOrderItem(ctx context.Context, id int64, at time.Time) (database.OrderItem, error) {
	i, ok := m.items[id]
	if !ok || !i.Live() {
		return database.OrderItem{}, pgx.ErrNoRows
	}
	i.CompletedAt = pgtype.Timestamptz{Time: at, Valid: true}
	m.items[id] = i
	return i, nil
}

func (m *memStore) CancelOrderItem(ctx context.Context, id int64) (database.OrderItem, error) {
	i, ok := m.items[id]
	if !ok || !i.Live() {
		return database.OrderItem{}, pgx.ErrNoRows
	}
	i.Cancelled = true
	m.items[id] = i
	return i, nil
}

func (m *memStore) CountLiveOrderItems(ctx context.Context, orderID int64) (int64, error) {
	var n int64
	for _, i := range m.items {
		if i.OrderID == orderID && i.Live() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountLiveItemsAhead(ctx context.Context, createdAt time.Time) (int64, error) {
	if m.countAheadErr != nil {
		return 0, m.countAheadErr
	}
	var n int64
	for _, i := range m.items {
		o := m.orders[i.OrderID]
		if o.Status.Active() && o.CreatedAt.Before(createdAt) && i.Live() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetUser(ctx context.Context, id uuid.UUID) (database.User, error) {
	u, ok := m.users[id]
	if !ok {
		return database.User{}, pgx.ErrNoRows
	}
	return u, nil
}

// --- Transactions ---

// memPool implements TxBeginner. Only one transaction is open at a time.
type memPool struct {
	store *memStore
	mu    sync.Mutex

	beginErr  error
	commitErr error
	opts      []pgx.TxOptions
}

func (p *memPool) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	p.mu.Lock()
	p.opts = append(p.opts, opts)
	return &memTx{pool: p, saved: p.store.snapshot()}, nil
}

// memTx implements pgx.Tx with only the methods we need.
// The unused methods panic so we catch accidental calls.
type memTx struct {
	pool  *memPool
	saved *memStore
	done  bool
}

func (t *memTx) finish(commit bool) {
	if t.done {
		return
	}
	t.done = true
	if !commit {
		t.pool.store.restore(t.saved)
	}
	t.pool.mu.Unlock()
}

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }
func (t *memTx) Commit(ctx context.Context) error {
	if t.pool.commitErr != nil {
		t.finish(false)
		return t.pool.commitErr
	}
	t.finish(true)
	return nil
}
func (t *memTx) Rollback(ctx context.Context) error {
	t.finish(false)
	return nil
}
func (t *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}
func (t *memTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (t *memTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (t *memTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (t *memTx) Conn() *pgx.Conn { panic("not implemented") }

// --- Collaborators ---

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

// updates returns the types of the order-update events, in order.
func (p *recordingPublisher) updates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Topic == "order-update" {
			var u events.OrderUpdate
			if err := json.Unmarshal(ev.Payload, &u); err == nil {
				out = append(out, u.Type)
			}
		}
	}
	return out
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

// mockDispatcher implements notify.Dispatcher.
type mockDispatcher struct {
	mu     sync.Mutex
	sent   []notify.Notification
	sendFn func(ctx context.Context, n notify.Notification) error
}

func (d *mockDispatcher) Send(ctx context.Context, n notify.Notification) error {
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
	if d.sendFn != nil {
		return d.sendFn(ctx, n)
	}
	return nil
}

func (d *mockDispatcher) calls() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Notification(nil), d.sent...)
}

// --- Test helpers ---

type testEnv struct {
	svc        *OrderService
	store      *memStore
	pool       *memPool
	publisher  *recordingPublisher
	dispatcher *mockDispatcher
}

func newTestEnv(logger *zap.Logger, opts ...Option) *testEnv {
	store := newMemStore()
	pool := &memPool{store: store}
	publisher := &recordingPublisher{}
	dispatcher := &mockDispatcher{}
	newStore := func(db database.DBTX) OrderStore { return store }
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := NewOrderService(pool, newStore, publisher, dispatcher, logger, opts...)
	return &testEnv{svc: svc, store: store, pool: pool, publisher: publisher, dispatcher: dispatcher}
}

// seedOrder inserts an order with one item per name, bypassing the service.
func (e *testEnv) seedOrder(publicID string, owner func(*database.CreateOrderParams), names ...string) (database.Order, []database.OrderItem) {
	ctx := context.Background()
	params := database.CreateOrderParams{
		PublicID:  publicID,
		GuestName: pgtype.Text{String: "Rina", Valid: true},
	}
	if owner != nil {
		owner(&params)
	}
	order, err := e.store.CreateOrder(ctx, params)
	if err != nil {
		panic(err)
	}
	var items []database.OrderItem
	for i, name := range names {
		item, err := e.store.CreateOrderItem(ctx, database.CreateOrderItemParams{
			OrderID:     order.ID,
			ProductID:   int64(i + 1),
			ProductName: name,
			Quantity:    1,
		})
		if err != nil {
			panic(err)
		}
		items = append(items, item)
	}
	return order, items
}

func (e *testEnv) addUser(u database.User) uuid.UUID {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	e.store.users[u.ID] = u
	return u.ID
}

func ownedBy(userID uuid.UUID) func(*database.CreateOrderParams) {
	return func(p *database.CreateOrderParams) {
		p.UserID = pgtype.UUID{Bytes: userID, Valid: true}
		p.GuestName = pgtype.Text{}
	}
}
