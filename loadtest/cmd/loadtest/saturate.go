package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/blinkchat/signaling/loadtest/client"
)

// runSaturate implements the connection saturation test. It opens N
// authenticated connections, holds them idle with periodic pings, and then
// closes them. This test measures how many concurrent connections the
// server sustains and how connect latency degrades as load grows.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	conns := fs.Int("conns", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	hold := fs.Duration("hold", 30*time.Second, "How long to hold connections open after ramp-up")
	pingEvery := fs.Duration("ping-every", 10*time.Second, "Keepalive ping interval during the hold phase")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*conns, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := *rampUp / time.Duration(*conns)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu         sync.Mutex
		clients    []*client.Client
		connErrors int64
	)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	rampTicker := time.NewTicker(interval)
	defer rampTicker.Stop()

launch:
	for i := 0; i < *conns; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("  interrupted during ramp-up")
			break launch
		case <-rampTicker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := client.New(ctx, *url, "sat-"+uuid.New().String())
			if err != nil {
				atomic.AddInt64(&connErrors, 1)
				return
			}
			if err := c.WaitForAuth(ctx); err != nil {
				atomic.AddInt64(&connErrors, 1)
				c.Close()
				return
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	fmt.Printf("  connected: %d/%d  errors: %d\n", len(clients), *conns, atomic.LoadInt64(&connErrors))

	// Hold phase: keep the connections warm so server-side heartbeats do not
	// evict them.
	fmt.Printf("\n--- Holding %d connections for %s ---\n", len(clients), *hold)
	holdDone := time.After(*hold)
	pingTicker := time.NewTicker(*pingEvery)
	defer pingTicker.Stop()

holdLoop:
	for {
		select {
		case <-holdDone:
			break holdLoop
		case <-ctx.Done():
			fmt.Println("  interrupted during hold")
			break holdLoop
		case <-pingTicker.C:
			for _, c := range clients {
				if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
					atomic.AddInt64(&connErrors, 1)
				}
			}
		}
	}

	// Report connect latency spread across all successful connections.
	fmt.Println("\n--- Results ---")
	latencies := make([]time.Duration, 0, len(clients))
	for _, c := range clients {
		latencies = append(latencies, c.GetMetrics().ConnectLatency)
	}
	fmt.Printf("  connections held: %d\n", len(clients))
	fmt.Printf("  errors:           %d\n", atomic.LoadInt64(&connErrors))
	printLatencies("connect latency", latencies)

	closeAll(clients)
}
