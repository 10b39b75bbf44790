package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/blinkchat/signaling/internal/lifecycle"
	"github.com/blinkchat/signaling/internal/registry"
	"github.com/blinkchat/signaling/internal/room"
	"github.com/blinkchat/signaling/internal/stats"
	"github.com/blinkchat/signaling/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ListenAddr = ":" + port
	}
	if origin := os.Getenv("ALLOWED_ORIGIN"); origin != "" {
		config.AllowedOrigin = origin
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	log.Printf("signaling server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  allowed_origin:  %s", config.AllowedOrigin)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)

	collector := stats.NewCollector()
	conns := registry.New()
	rooms := room.NewRegistry(room.DefaultConfig())
	controller := lifecycle.New(lifecycle.DefaultConfig(), conns, rooms, collector)
	go controller.Run()

	dispatcher := ws.NewDispatcher(controller)
	server := ws.NewServer(config, collector, dispatcher.Dispatch)
	server.SetOnDisconnect(func(conn *ws.Connection, clean bool) {
		controller.Disconnected(conn.UserID(), conn, clean)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		controller.Stop()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
