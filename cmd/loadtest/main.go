package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/prattle/pkg/client"
	"github.com/aeolun/prattle/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

const replyTimeout = 10 * time.Second

// Stats tracks load test counters
type Stats struct {
	sent             atomic.Int64
	received         atomic.Int64
	sendFailures     atomic.Int64
	connectionErrors atomic.Int64
	activeClients    atomic.Int64
}

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

type dialFunc func() (*client.Client, error)

// runClient registers, logs in and broadcasts until stop closes
func runClient(id int, runID string, dial dialFunc, stats *Stats, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	username := fmt.Sprintf("load%s_%d", runID, id)
	password := "loadtest"

	c, err := dial()
	if err != nil {
		stats.connectionErrors.Add(1)
		log.Printf("[Client %d] connect failed: %v", id, err)
		return
	}
	defer c.Close()

	if err := c.Register(username, password, "", replyTimeout); err != nil {
		stats.connectionErrors.Add(1)
		log.Printf("[Client %d] %v", id, err)
		return
	}
	if err := c.Login(username, password, replyTimeout); err != nil {
		stats.connectionErrors.Add(1)
		log.Printf("[Client %d] %v", id, err)
		return
	}

	stats.activeClients.Add(1)
	defer stats.activeClients.Add(-1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			env, err := c.Next(time.Second)
			if err == client.ErrTimeout {
				continue
			}
			if err != nil {
				return
			}
			if env.IsBroadcast() {
				stats.received.Add(1)
			}
		}
	}()

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-stop:
			c.Send(protocol.Quit(username))
			// give the server a tick to acknowledge
			time.Sleep(500 * time.Millisecond)
			return
		case <-done:
			return
		case <-time.After(delay):
		}

		if err := c.Send(protocol.Broadcast(username, randomMessage())); err != nil {
			stats.sendFailures.Add(1)
			return
		}
		stats.sent.Add(1)
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:4545", "Server address (host:port)")
	wsURL := flag.String("ws", "", "Connect over WebSocket to this URL instead (e.g. ws://localhost:8080/ws)")
	framingName := flag.String("framing", protocol.FramingJSON, "Record framing (json or frame)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 500*time.Millisecond, "Minimum delay between broadcasts")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between broadcasts")
	flag.Parse()

	framing, err := protocol.NewFraming(*framingName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	dial := func() (*client.Client, error) {
		if *wsURL != "" {
			return client.DialWebSocket(*wsURL, client.WithFraming(framing))
		}
		return client.Dial(*serverAddr, client.WithFraming(framing))
	}

	target := *serverAddr
	if *wsURL != "" {
		target = *wsURL
	}
	log.Printf("Starting load test:")
	log.Printf("  Server: %s (%s framing)", target, framing.Name())
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.sent.Load()
				log.Printf("Stats: %d active, %d sent (%.1f/s), %d received, %d failed, %d conn errors, goroutines %d",
					stats.activeClients.Load(), sent, float64(sent)/elapsed, stats.received.Load(),
					stats.sendFailures.Load(), stats.connectionErrors.Load(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	time.AfterFunc(*duration, stopAll)

	// one run id keeps usernames unique across runs against the same database
	runID := fmt.Sprintf("%x", time.Now().UnixNano()&0xffffff)

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(id, runID, dial, stats, *minDelay, *maxDelay, stop)
		}(i)
		time.Sleep(10 * time.Millisecond)
	}

	wg.Wait()
	close(stopStats)

	sent := stats.sent.Load()
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d connection errors", *numClients, stats.connectionErrors.Load())
	log.Printf("Broadcasts sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("Broadcasts received: %d", stats.received.Load())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
}
