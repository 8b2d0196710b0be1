package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/theagencyiq/agencyiq/backend/internal/connections"
	"github.com/theagencyiq/agencyiq/backend/internal/enforce"
	"github.com/theagencyiq/agencyiq/backend/internal/handlers"
	"github.com/theagencyiq/agencyiq/backend/internal/middleware"
	"github.com/theagencyiq/agencyiq/backend/internal/publish"
	"github.com/theagencyiq/agencyiq/backend/internal/quota"
	"github.com/theagencyiq/agencyiq/backend/internal/workers"
)

func resolvePort(getenv func(string) string) string {
	if p := getenv("PORT"); p != "" {
		return p
	}
	return "18911"
}

func parseIntervalFromEnv(getenv func(string) string, key string, def time.Duration) time.Duration {
	v := getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func buildRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)
	return r
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	// Wire the publishing pipeline.
	store := connections.NewStore(db)
	refresher := connections.NewRefresher(store)
	dispatcher := publish.NewDispatcher(refresher)
	quotaSvc := quota.NewService(db)
	enforcer := enforce.NewEnforcer(db, quotaSvc, store, dispatcher)

	h := handlers.New(db, quotaSvc, store, enforcer)
	enforcer.WithNotify(h.NotifyPostStatus)

	r := buildRouter(h)

	gate := middleware.NewSubscriptionGate(db)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(gate.Middleware(r))

	port := resolvePort(os.Getenv)

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Background: auto-posting enforcement sweep
	{
		enabled := os.Getenv("AUTO_POST_ENABLED")
		if enabled == "" || enabled == "true" {
			interval := parseIntervalFromEnv(os.Getenv, "AUTO_POST_INTERVAL_SECONDS", time.Minute)
			go enforcer.StartWorker(rootCtx, interval)
		} else {
			log.Printf("[AutoPost] disabled via AUTO_POST_ENABLED=%q", enabled)
		}
	}

	// Background: connection audit and receipt pruning
	{
		audit := &workers.ConnectionAuditWorker{
			DB:            db,
			CheckInterval: parseIntervalFromEnv(os.Getenv, "CONNECTION_AUDIT_INTERVAL_SECONDS", time.Hour),
		}
		go audit.Start(rootCtx)
	}

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
