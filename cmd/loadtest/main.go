package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	log "github.com/sirupsen/logrus"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesDelivered atomic.Int64
	filesConfirmed    atomic.Int64
	totalLatency      atomic.Int64 // delivery latency in microseconds
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	sendFailures    atomic.Int64
	historyFailures atomic.Int64
	timeouts        atomic.Int64
	disconnections  atomic.Int64
}

func (s *Stats) recordDelivery(latencyUs int64) {
	s.messagesDelivered.Add(1)
	s.totalLatency.Add(latencyUs)
}

func (s *Stats) snapshot() (sent, delivered, connErrors int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	delivered = s.messagesDelivered.Load()
	connErrors = s.connectionErrors.Load()

	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}
	return
}

// BotClient is a fake user that chats with one partner bot
type BotClient struct {
	id       int
	username string
	partner  string
	conn     *client.Connection
	stats    *Stats

	// Replies to our own requests; deliveries are consumed by the reader
	replies chan *client.Response
}

func botName(runID string, id int) string {
	return fmt.Sprintf("bot%s-%d", runID, id)
}

func NewBotClient(id int, runID, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	// Bots pair up: 0<->1, 2<->3, ...
	return &BotClient{
		id:       id,
		username: botName(runID, id),
		partner:  botName(runID, id^1),
		conn:     conn,
		stats:    stats,
		replies:  make(chan *client.Response, 16),
	}, nil
}

// Connect dials, registers and logs in
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}
	go bc.readLoop()

	password := "pw-" + bc.username
	if err := bc.request(client.Register(bc.username, password)); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := bc.request(client.Login(bc.username, password)); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// readLoop splits deliveries from replies and measures delivery latency
func (bc *BotClient) readLoop() {
	defer close(bc.replies)

	for resp := range bc.conn.Incoming() {
		// Text sends are only ever answered on failure (offline partner not yet
		// registered, rate limited)
		if resp.Action == "message" && !resp.IsDelivery() {
			bc.stats.sendFailures.Add(1)
			continue
		}
		if !resp.IsDelivery() {
			bc.replies <- resp
			continue
		}
		if resp.IsFile {
			continue
		}
		// Content starts with the sender's send time in unix microseconds
		stamp, _, _ := strings.Cut(resp.Content, " ")
		if sentUs, err := strconv.ParseInt(stamp, 10, 64); err == nil {
			bc.stats.recordDelivery(time.Now().UnixMicro() - sentUs)
		}
	}
}

// request sends req and waits for its reply
func (bc *BotClient) request(req *client.Request) error {
	if err := bc.conn.Send(req); err != nil {
		bc.stats.disconnections.Add(1)
		return err
	}

	select {
	case resp, ok := <-bc.replies:
		if !ok {
			bc.stats.disconnections.Add(1)
			return fmt.Errorf("connection closed")
		}
		if !resp.OK() {
			return fmt.Errorf("%s rejected: %s", resp.Action, resp.Message)
		}
		return nil
	case <-time.After(10 * time.Second):
		bc.stats.timeouts.Add(1)
		return fmt.Errorf("timeout waiting for %s response", req.Action)
	}
}

func (bc *BotClient) SendRandomMessage() error {
	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := []string{strconv.FormatInt(time.Now().UnixMicro(), 10)}
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	// Text messages get no reply
	if err := bc.conn.Send(client.SendMessage(bc.partner, strings.Join(words, " "))); err != nil {
		bc.stats.sendFailures.Add(1)
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

func (bc *BotClient) SendRandomFile(size int) error {
	data := make([]byte, size)
	rand.Read(data)

	if err := bc.request(client.SendFile(bc.partner, "blob.bin", data)); err != nil {
		bc.stats.sendFailures.Add(1)
		return err
	}
	bc.stats.filesConfirmed.Add(1)
	return nil
}

func (bc *BotClient) FetchHistory() error {
	if err := bc.request(client.History(bc.partner)); err != nil {
		bc.stats.historyFailures.Add(1)
		return err
	}
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, fileEvery, fileSize int, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if fileEvery > 0 && iteration%fileEvery == 0 {
			bc.SendRandomFile(fileSize)
		} else {
			bc.SendRandomMessage()
		}

		// Exercise history reads every 5 iterations
		if iteration%5 == 0 {
			bc.FetchHistory()
		}

		// Random delay between sends
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown so the partner still receives our last messages
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8888", "Server address (host:port, tcp:// or ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients (rounded up to an even number)")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between sends")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between sends")
	fileEvery := flag.Int("file-every", 20, "Send a file instead of text every N iterations (0 disables)")
	fileSize := flag.Int("file-size", 16*1024, "Size of generated files in bytes")
	flag.Parse()

	if *numClients%2 == 1 {
		*numClients++
	}
	runID := strconv.FormatInt(time.Now().Unix()%100000, 10)

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.WithFields(log.Fields{
		"server":   *serverAddr,
		"clients":  *numClients,
		"duration": *duration,
		"ramp_up":  rampUpDuration,
		"delay":    fmt.Sprintf("%v - %v", *minDelay, *maxDelay),
	}).Info("Starting load test")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, delivered, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Infof("Stats: %d sent (%.1f/s), %d delivered, %d conn errors, avg latency %.2fms",
					sent, float64(sent)/elapsed, delivered, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, runID, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				log.WithError(err).WithField("bot", id).Warn("Bot failed to connect")
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.WithField("bot", id).Info("Connected")
			}

			bot.Run(*duration, *minDelay, *maxDelay, *fileEvery, *fileSize, shutdownDelay)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutdown signal received, stopping stats reporter...")
		stopOnce.Do(func() { close(stopStats) })
	}()

	// Wait for all clients to finish
	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	// Final stats
	sent, delivered, connErrors, avgUs := stats.snapshot()
	rate := float64(sent) / duration.Seconds()

	log.Info("=== Final Results ===")
	log.Infof("Duration: %v", *duration)
	log.Infof("Messages sent: %d (%.1f/s)", sent, rate)
	log.Infof("Messages delivered: %d", delivered)
	log.Infof("Files confirmed: %d", stats.filesConfirmed.Load())
	log.Infof("  - Send failures: %d", stats.sendFailures.Load())
	log.Infof("  - History failures: %d", stats.historyFailures.Load())
	log.Infof("  - Timeouts: %d", stats.timeouts.Load())
	log.Infof("  - Disconnections: %d", stats.disconnections.Load())
	log.Infof("Connection errors: %d", connErrors)
	log.Infof("Average delivery latency: %.2fms", avgUs/1000.0)

	if sent > 0 {
		// Partners that were offline or rate limited miss live deliveries
		log.Infof("Live delivery rate: %.1f%%", float64(delivered)/float64(sent)*100)
	}
}
