package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

var errDisconnected = errors.New("disconnected")

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	messagesEchoed   atomic.Int64
	totalEchoTime    atomic.Int64 // in microseconds
	broadcastsSeen   atomic.Int64
	connectionErrors atomic.Int64
	timeouts         atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) recordEcho(echoTimeUs int64) {
	s.messagesEchoed.Add(1)
	s.totalEchoTime.Add(echoTimeUs)
}

func (s *Stats) snapshot() (sent, echoed, seen int64, avgEchoUs float64) {
	sent = s.messagesSent.Load()
	echoed = s.messagesEchoed.Load()
	seen = s.broadcastsSeen.Load()
	if echoed > 0 {
		avgEchoUs = float64(s.totalEchoTime.Load()) / float64(echoed)
	}
	return
}

// BotClient is a fake chat user. Every line it says is broadcast back to
// it by the server, so the round trip of its own text is its latency.
type BotClient struct {
	id       int
	nickname string
	conn     net.Conn
	stats    *Stats
	incoming chan *protocol.Envelope
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := net.DialTimeout("tcp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	bc := &BotClient{
		id:       id,
		nickname: "bot" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		conn:     conn,
		stats:    stats,
		incoming: make(chan *protocol.Envelope, 256),
	}
	go bc.readLoop()
	return bc, nil
}

// readLoop counts every chat line and forwards the bot's own echoes
func (bc *BotClient) readLoop() {
	defer close(bc.incoming)
	prefix := bc.nickname + ": "
	for {
		env, err := protocol.ReadEnvelope(bc.conn)
		if err != nil {
			return
		}
		if env.Header == protocol.HeaderEndConnection {
			return
		}
		if env.Header != protocol.HeaderRegular {
			continue
		}
		bc.stats.broadcastsSeen.Add(1)
		if strings.HasPrefix(env.Text(), prefix) || strings.HasSuffix(env.Text(), " connected") {
			select {
			case bc.incoming <- env:
			default:
			}
		}
	}
}

// waitFor blocks until a chat line with the given text arrives
func (bc *BotClient) waitFor(text string, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-bc.incoming:
			if !ok {
				return errDisconnected
			}
			if env.Text() == text {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout waiting for %q", text)
		}
	}
}

// Register claims the bot's nickname
func (bc *BotClient) Register() error {
	if err := protocol.WriteEnvelope(bc.conn, protocol.NicknameEnvelope(bc.nickname)); err != nil {
		return err
	}
	// The first user on a fresh server becomes admin and shows as "@nick"
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-bc.incoming:
			if !ok {
				return fmt.Errorf("nickname %s rejected", bc.nickname)
			}
			if strings.HasSuffix(env.Text(), bc.nickname+" connected") {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout waiting for registration")
		}
	}
}

// SayRandom sends a random lorem line and waits for its echo
func (bc *BotClient) SayRandom() error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	start := time.Now()
	if err := protocol.WriteEnvelope(bc.conn, protocol.TextEnvelope(content)); err != nil {
		bc.stats.disconnections.Add(1)
		return err
	}
	bc.stats.messagesSent.Add(1)

	err := bc.waitFor(bc.nickname+": "+content, 10*time.Second)
	switch {
	case err == nil:
		bc.stats.recordEcho(time.Since(start).Microseconds())
	case errors.Is(err, errDisconnected):
		bc.stats.disconnections.Add(1)
	default:
		bc.stats.timeouts.Add(1)
	}
	return err
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SayRandom(); errors.Is(err, errDisconnected) {
			return
		}

		// Random delay between lines
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	// Send graceful disconnect message
	protocol.WriteEnvelope(bc.conn, protocol.NewEnvelope(protocol.HeaderEndConnection, nil))

	// Give server time to process disconnect before closing connection
	time.Sleep(100 * time.Millisecond)
}

func main() {
	serverAddr := flag.String("server", "localhost:9900", "Server address (host:port)")
	numClients := flag.Int("clients", 4, "Number of concurrent clients (the server's max_connections caps this)")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between lines")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between lines")
	flag.Parse()

	if *numClients < 1 {
		log.Fatal("clients must be at least 1")
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, echoed, seen, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d echoed, %d broadcasts seen, %d conn errors, avg echo %.2fms",
					sent, float64(sent)/elapsed, echoed, seen, stats.connectionErrors.Load(), avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}

			if err := bot.Register(); err != nil {
				log.Printf("[Bot %d] %v", id, err)
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stop()
		os.Exit(1)
	}()

	wg.Wait()
	stop()

	sent, echoed, seen, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Lines sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("Lines echoed: %d", echoed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Broadcasts seen by all bots: %d", seen)
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Average echo time: %.2fms", avgUs/1000.0)
	if sent > 0 {
		log.Printf("Echo rate: %.1f%%", float64(echoed)/float64(sent)*100)
	}
}
