package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/blinkchat/signaling/loadtest/client"
)

// runMatch implements the matching flow load test. It creates pairs of
// simulated users who connect, enter the waiting pool, and get matched with
// each other. This test measures matching throughput and latency under
// concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for all matched events")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and authenticate all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
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
	for i := 0; i < totalClients; i++ {
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

			c, err := client.New(ctx, *url, "load-"+uuid.New().String())
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

	fmt.Printf("  connected: %d/%d  errors: %d\n", len(clients), totalClients, connErrors)
	if len(clients) < 2 {
		fmt.Println("  not enough clients to match, aborting")
		closeAll(clients)
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — All users search; wait for matched events
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Find partners ---")

	var matched int64
	latencies := make([]time.Duration, 0, len(clients))
	allMatched := make(chan struct{})

	searchStart := time.Now()
	for _, c := range clients {
		c := c
		c.On(client.TypeMatched, func(json.RawMessage) {
			lat := time.Since(searchStart)
			mu.Lock()
			latencies = append(latencies, lat)
			mu.Unlock()
			if int(atomic.AddInt64(&matched, 1)) == len(clients) {
				close(allMatched)
			}
		})
	}
	for _, c := range clients {
		if err := c.Send(map[string]string{"type": client.TypeFindPartner}); err != nil {
			atomic.AddInt64(&connErrors, 1)
		}
	}

	select {
	case <-allMatched:
	case <-time.After(*matchTimeout):
		fmt.Println("  timed out waiting for matches")
	case <-ctx.Done():
		fmt.Println("  interrupted while waiting for matches")
	}

	// -----------------------------------------------------------------------
	// Report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Results ---")
	fmt.Printf("  matched:  %d/%d clients in %s\n", atomic.LoadInt64(&matched), len(clients), time.Since(searchStart).Round(time.Millisecond))
	fmt.Printf("  errors:   %d\n", atomic.LoadInt64(&connErrors))

	mu.Lock()
	printLatencies("match latency", latencies)
	mu.Unlock()

	closeAll(clients)
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		c.Close()
	}
}

// printLatencies reports min/median/p95/p99/max for a sample set.
func printLatencies(label string, samples []time.Duration) {
	if len(samples) == 0 {
		fmt.Printf("  %s: no samples\n", label)
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(samples)-1))
		return samples[idx]
	}
	fmt.Printf("  %s: min=%s p50=%s p95=%s p99=%s max=%s\n",
		label,
		samples[0].Round(time.Millisecond),
		pct(0.50).Round(time.Millisecond),
		pct(0.95).Round(time.Millisecond),
		pct(0.99).Round(time.Millisecond),
		samples[len(samples)-1].Round(time.Millisecond))
}
