/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cash-register ledger server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment config (.env honored), then command-line flags
  2. Initialize the SQLite store (also serves as the audit sink)
  3. Wire the notification hub and ledger engine
  4. Configure the HTTP router
  5. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default from PORT env, else 8080)
  -db      SQLite database path (default from DB_PATH env, else registers.db)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the database connection
  4. Exit

SEE ALSO:
  - api/server.go: router configuration
  - store/sqlite: database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tillpoint/register-engine/api"
	"github.com/tillpoint/register-engine/config"
	"github.com/tillpoint/register-engine/ledger"
	"github.com/tillpoint/register-engine/notify"
	"github.com/tillpoint/register-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override environment config
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store (ledger persistence + durable audit sink)
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire engine and collaborators
	hub := notify.NewHub()
	engine := ledger.NewEngine(store, hub, store)

	// Create router
	handler := api.NewHandler(engine, hub, store)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Register ledger listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
