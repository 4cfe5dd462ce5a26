package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/queue/internal/auth"
	"github.com/kiwari-pos/queue/internal/config"
	"github.com/kiwari-pos/queue/internal/database"
	"github.com/kiwari-pos/queue/internal/enum"
	"github.com/kiwari-pos/queue/internal/events"
	"github.com/kiwari-pos/queue/internal/logging"
	"github.com/kiwari-pos/queue/internal/notify"
	"github.com/kiwari-pos/queue/internal/service"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	// CLI flags
	runMigrations := flag.Bool("migrate", false, "Apply migrations before seeding")
	migrationsDir := flag.String("migrations", "migrations", "Migrations directory")
	staffEmail := flag.String("staff-email", "barista@example.com", "Staff user email")
	customerEmail := flag.String("customer-email", "customer@example.com", "Customer user email")
	orders := flag.Int("orders", 3, "Demo orders to place")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *runMigrations {
		if err := migrateUp(*migrationsDir, cfg.DatabaseURL); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("ping database", zap.Error(err))
	}

	queries := database.New(pool)
	emailOnly, _ := json.Marshal(service.NotificationMethods{Email: true})

	staff, err := queries.UpsertUser(ctx, database.UpsertUserParams{
		Email:               *staffEmail,
		DisplayName:         "Barista",
		Role:                enum.UserRoleStaff,
		NotificationMethods: emailOnly,
	})
	if err != nil {
		logger.Fatal("seed staff", zap.Error(err))
	}
	customer, err := queries.UpsertUser(ctx, database.UpsertUserParams{
		Email:                *customerEmail,
		DisplayName:          "Demo Customer",
		Role:                 enum.UserRoleCustomer,
		NotificationsEnabled: true,
		NotificationMethods:  emailOnly,
	})
	if err != nil {
		logger.Fatal("seed customer", zap.Error(err))
	}

	// No subscribers exist yet, so events go nowhere.
	svc := service.NewOrderService(pool,
		func(db database.DBTX) service.OrderStore { return database.New(db) },
		events.Fanout{}, notify.NewLogDispatcher(logger), logger)

	menu := []service.PlaceOrderItemRequest{
		{ProductID: 1, ProductName: "Latte", Quantity: 1, UnitPrice: "4.50", Customization: json.RawMessage(`{"milk":"oat"}`)},
		{ProductID: 2, ProductName: "Cold Brew", Quantity: 2, UnitPrice: "3.75"},
		{ProductID: 3, ProductName: "Matcha", Quantity: 1, UnitPrice: "5.00", Notes: "less sweet"},
	}
	for i := 0; i < *orders; i++ {
		req := service.PlaceOrderRequest{Items: menu[:1+i%len(menu)]}
		if i%2 == 0 {
			req.UserID = customer.ID
		} else {
			req.GuestName = fmt.Sprintf("Guest %d", i)
		}
		detail, err := svc.PlaceOrder(ctx, req)
		if err != nil {
			logger.Fatal("seed order", zap.Error(err))
		}
		logger.Info("order placed", zap.String("public_id", detail.Order.PublicID), zap.Int("items", len(detail.Items)))
	}

	staffToken, err := auth.GenerateToken(cfg.JWTSecret, staff.ID, staff.Role)
	if err != nil {
		logger.Fatal("staff token", zap.Error(err))
	}
	customerToken, err := auth.GenerateToken(cfg.JWTSecret, customer.ID, customer.Role)
	if err != nil {
		logger.Fatal("customer token", zap.Error(err))
	}

	fmt.Println("Seed complete.")
	fmt.Printf("  Staff:    %s (%s)\n", staff.Email, staff.ID)
	fmt.Printf("  Customer: %s (%s)\n", customer.Email, customer.ID)
	fmt.Printf("  Staff token:    %s\n", staffToken)
	fmt.Printf("  Customer token: %s\n", customerToken)
}

func migrateUp(dir, databaseURL string) error {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
