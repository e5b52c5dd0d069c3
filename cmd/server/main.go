package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/parleymsg/parley/internal/auth"
	"github.com/parleymsg/parley/internal/server"
	"github.com/parleymsg/parley/internal/storage/sqlite"
)

func main() {
	fmt.Println("Starting Parley chat broker...")

	envConfig, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	config := server.SetConfig(envConfig)

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		log.Fatalf("Failed to open message store at %s: %v", config.DBPath, err)
	}

	verifier, err := auth.NewVerifier(config.AuthSecret)
	if err != nil {
		log.Fatalf("Failed to initialize credential verifier: %v", err)
	}

	hub := server.NewHub(store, verifier)
	go hub.Run()
	log.Println("Hub started and ready to manage WebSocket sessions")

	reaper := server.NewReaper(hub, config.ReapInterval, config.IdleTimeout)
	go reaper.Run()

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(config.Port, mux)

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutdown signal received")

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout); err != nil {
		log.Printf("HTTP server shutdown failed: %v", err)
	}

	reaper.Stop()

	if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
		log.Printf("Hub shutdown failed: %v", err)
	}

	if err := store.Close(); err != nil {
		log.Printf("Message store close failed: %v", err)
	}

	log.Println("Server stopped")
}
