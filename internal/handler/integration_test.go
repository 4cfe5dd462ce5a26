//go:build integration

package handler_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/queue/internal/auth"
	"github.com/kiwari-pos/queue/internal/config"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/enum"
	"github.com/kiwari-pos/queue/internal/notify"
	"github.com/kiwari-pos/queue/internal/router"
	"github.com/kiwari-pos/queue/internal/service"
	"github.com/kiwari-pos/queue/internal/ws"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

const integrationSecret = "integration-test-secret"

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (d *recordingDispatcher) Send(ctx context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) notifications() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Notification(nil), d.sent...)
}

type integrationEnv struct {
	server     *httptest.Server
	pool       *pgxpool.Pool
	svc        *service.OrderService
	dispatcher *recordingDispatcher
	staffToken string
}

// TestIntegrationFlow exercises placement, queue position, completion and
// cancellation against a real PostgreSQL database through the router.
func TestIntegrationFlow(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	// --- 1. Customer account with notifications on ---
	customerID := createUser(t, ctx, env.pool, "ana@test.com", "Ana", enum.UserRoleCustomer, true)
	customerToken, err := auth.GenerateToken(integrationSecret, customerID, enum.UserRoleCustomer)
	if err != nil {
		t.Fatalf("customer token: %v", err)
	}

	// --- 2. Three orders, placed in order ---
	first := placeOrder(t, env.server, customerToken, map[string]interface{}{
		"items": []map[string]interface{}{
			{"product_id": 1, "product_name": "Latte", "quantity": 1, "unit_price": "4.50"},
			{"product_id": 2, "product_name": "Croissant", "quantity": 2, "unit_price": "3.25"},
		},
	})
	if first["total_amount"] != "11.00" {
		t.Fatalf("total_amount: got %v, want 11.00", first["total_amount"])
	}
	if _, ok := first["guest_token"]; ok {
		t.Errorf("registered order got a guest token")
	}

	second := placeOrder(t, env.server, "", map[string]interface{}{
		"guest_name": "Rina",
		"items": []map[string]interface{}{
			{"product_id": 3, "product_name": "Matcha", "quantity": 1, "unit_price": "5.00",
				"customization": map[string]interface{}{"milk": "oat"}},
		},
	})
	guestToken, _ := second["guest_token"].(string)
	if guestToken == "" {
		t.Fatalf("guest order missing guest_token")
	}

	third := placeOrder(t, env.server, "", map[string]interface{}{
		"guest_name": "Budi",
		"items": []map[string]interface{}{
			{"product_id": 1, "product_name": "Latte", "quantity": 1, "unit_price": "4.50"},
		},
	})

	// --- 3. Positions follow placement order, counting live items ---
	assertPosition(t, env.server, first["public_id"].(string), 1)
	assertPosition(t, env.server, second["public_id"].(string), 3)
	assertPosition(t, env.server, third["public_id"].(string), 4)

	// --- 4. Staff sees all three in the queue ---
	queue := httpJSON(t, env.server, "GET", "/queue", nil, env.staffToken, http.StatusOK)
	if orders := queue["orders"].([]interface{}); len(orders) != 3 {
		t.Fatalf("queue: got %d orders, want 3", len(orders))
	}

	// --- 5. Start preparing, then complete the first order item by item ---
	firstID := int64(first["id"].(float64))
	httpJSON(t, env.server, "POST", fmt.Sprintf("/queue/orders/%d/start", firstID), nil, env.staffToken, http.StatusOK)
	httpJSON(t, env.server, "POST", fmt.Sprintf("/queue/orders/%d/start", firstID), nil, env.staffToken, http.StatusConflict)

	items := first["items"].([]interface{})
	itemA := int64(items[0].(map[string]interface{})["id"].(float64))
	itemB := int64(items[1].(map[string]interface{})["id"].(float64))

	res := httpJSON(t, env.server, "POST", fmt.Sprintf("/queue/items/%d/complete", itemA), nil, env.staffToken, http.StatusOK)
	if res["order_finished"] != false {
		t.Fatalf("order finished after first of two items")
	}
	assertPosition(t, env.server, second["public_id"].(string), 2)

	httpJSON(t, env.server, "POST", fmt.Sprintf("/queue/items/%d/complete", itemA), nil, env.staffToken, http.StatusConflict)

	res = httpJSON(t, env.server, "POST", fmt.Sprintf("/queue/items/%d/complete", itemB), nil, env.staffToken, http.StatusOK)
	if res["order_finished"] != true || res["order_status"] != "completed" {
		t.Fatalf("cascade: got %v", res)
	}

	tracked := httpJSON(t, env.server, "GET", "/orders/"+first["public_id"].(string), nil, "", http.StatusOK)
	if tracked["status"] != "completed" || tracked["position"] != nil {
		t.Errorf("completed order: status %v position %v", tracked["status"], tracked["position"])
	}
	assertPosition(t, env.server, second["public_id"].(string), 1)

	// --- 6. Registered customer with defaults is notified once by email ---
	waitDispatches(t, env.svc)
	sent := env.dispatcher.notifications()
	if len(sent) != 1 {
		t.Fatalf("notifications: got %d, want 1", len(sent))
	}
	if sent[0].Address != "ana@test.com" || sent[0].Context["recipientName"] != "Ana" {
		t.Errorf("notification: got %+v", sent[0])
	}

	// --- 7. Guest cancels their only item; the order is cancelled ---
	secondItem := int64(second["items"].([]interface{})[0].(map[string]interface{})["id"].(float64))
	httpJSON(t, env.server, "POST", fmt.Sprintf("/orders/items/%d/cancel", secondItem), nil, customerToken, http.StatusForbidden)

	res = httpJSON(t, env.server, "POST", fmt.Sprintf("/orders/items/%d/cancel", secondItem), nil, guestToken, http.StatusOK)
	if res["order_finished"] != true || res["order_status"] != "cancelled" {
		t.Fatalf("guest cancel cascade: got %v", res)
	}
	assertPosition(t, env.server, third["public_id"].(string), 1)

	waitDispatches(t, env.svc)
	if got := len(env.dispatcher.notifications()); got != 1 {
		t.Errorf("cancellation must not notify: got %d notifications", got)
	}
}

// TestIntegrationConcurrentCompletion completes the last two items of an
// order at the same time. The row lock must let exactly one request finish
// the order.
func TestIntegrationConcurrentCompletion(t *testing.T) {
	env := setupIntegration(t)

	for run := 0; run < 5; run++ {
		order := placeOrder(t, env.server, "", map[string]interface{}{
			"guest_name":            "Rina",
			"guest_email":           "rina@test.com",
			"notifications_enabled": true,
			"items": []map[string]interface{}{
				{"product_id": 1, "product_name": "Latte", "quantity": 1, "unit_price": "4.50"},
				{"product_id": 2, "product_name": "Mocha", "quantity": 1, "unit_price": "4.75"},
			},
		})
		items := order["items"].([]interface{})

		var wg sync.WaitGroup
		finished := make(chan bool, len(items))
		for _, raw := range items {
			itemID := int64(raw.(map[string]interface{})["id"].(float64))
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, body := doJSON(env.server, "POST", fmt.Sprintf("/queue/items/%d/complete", itemID), nil, env.staffToken)
				if status != http.StatusOK {
					t.Errorf("complete item %d: status %d, body %v", itemID, status, body)
					return
				}
				finished <- body["order_finished"] == true
			}()
		}
		wg.Wait()
		close(finished)

		count := 0
		for f := range finished {
			if f {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("run %d: %d requests finished the order, want 1", run, count)
		}
	}

	waitDispatches(t, env.svc)
	if got := len(env.dispatcher.notifications()); got != 5 {
		t.Errorf("notifications: got %d, want 5", got)
	}
}

// --- Setup ---

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()
	ctx := context.Background()

	_, connStr, cleanup := setupPostgresContainer(t, ctx)
	t.Cleanup(cleanup)

	runMigrations(t, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	cfg := &config.Config{
		Port:           "8081",
		DatabaseURL:    connStr,
		JWTSecret:      integrationSecret,
		AllowedOrigins: []string{"http://localhost:5173"},
	}
	logger := zap.NewNop()

	hubCtx, stopHub := context.WithCancel(ctx)
	t.Cleanup(stopHub)
	hub := ws.NewHub(logger)
	go hub.Run(hubCtx)

	dispatcher := &recordingDispatcher{}
	svc := service.NewOrderService(pool,
		func(db database.DBTX) service.OrderStore { return database.New(db) },
		hub, dispatcher, logger)

	server := httptest.NewServer(router.New(cfg, svc, hub, logger))
	t.Cleanup(server.Close)

	staffID := createUser(t, ctx, pool, "staff@test.com", "Staff", enum.UserRoleStaff, false)
	staffToken, err := auth.GenerateToken(integrationSecret, staffID, enum.UserRoleStaff)
	if err != nil {
		t.Fatalf("staff token: %v", err)
	}

	return &integrationEnv{
		server:     server,
		pool:       pool,
		svc:        svc,
		dispatcher: dispatcher,
		staffToken: staffToken,
	}
}

func setupPostgresContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string, func()) {
	t.Helper()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("queue_test"),
		tcpostgres.WithUsername("queue"),
		tcpostgres.WithPassword("queue"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	cleanup := func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}

	return pgContainer, connStr, cleanup
}

func runMigrations(t *testing.T, connStr string) {
	t.Helper()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("open db for migrations: %v", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		t.Fatalf("create migrate driver: %v", err)
	}

	// Go test runs with the package directory as cwd.
	m, err := migrate.NewWithDatabaseInstance("file://../../migrations", "postgres", driver)
	if err != nil {
		t.Fatalf("create migrate instance: %v", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("run migrations: %v", err)
	}
}

func createUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, email, name, role string, notifications bool) uuid.UUID {
	t.Helper()
	user, err := database.New(pool).UpsertUser(ctx, database.UpsertUserParams{
		Email:                email,
		DisplayName:          name,
		Role:                 role,
		NotificationsEnabled: notifications,
		NotificationMethods:  []byte(`{"email": true}`),
	})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return user.ID
}

func waitDispatches(t *testing.T, svc *service.OrderService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("wait for dispatches: %v", err)
	}
}

// --- HTTP helpers ---

func placeOrder(t *testing.T, server *httptest.Server, token string, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return httpJSON(t, server, "POST", "/orders", body, token, http.StatusCreated)
}

func assertPosition(t *testing.T, server *httptest.Server, publicID string, want int) {
	t.Helper()
	resp := httpJSON(t, server, "GET", "/orders/"+publicID, nil, "", http.StatusOK)
	if resp["position"] != float64(want) {
		t.Errorf("position of %s: got %v, want %d", publicID, resp["position"], want)
	}
}

func httpJSON(t *testing.T, server *httptest.Server, method, path string, body map[string]interface{}, token string, wantStatus int) map[string]interface{} {
	t.Helper()
	status, result := doJSON(server, method, path, body, token)
	if status != wantStatus {
		t.Fatalf("%s %s: status %d, want %d, body: %v", method, path, status, wantStatus, result)
	}
	return result
}

// doJSON performs a request without failing the test so it can run from
// goroutines.
func doJSON(server *httptest.Server, method, path string, body map[string]interface{}, token string) (int, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, map[string]interface{}{"marshal": err.Error()}
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		return 0, map[string]interface{}{"request": err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, map[string]interface{}{"do": err.Error()}
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result
}
