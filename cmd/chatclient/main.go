// Package main provides a stress testing tool for the chat WebSocket gateway.
// Clients are created in pairs, each pair opens a chat and exchanges messages
// over the wire protocol.
//
// Account setup hits the register endpoint once per client, so run the target
// server with auth rate limits relaxed when testing with many pairs.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	AcksReceived         int64
	MessagesReceived     int64
	StatusTicks          int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type account struct {
	id    string
	token string
}

func main() {
	host := flag.String("host", "localhost:8080", "API server host")
	pairs := flag.Int("pairs", 25, "Number of chat pairs (2 clients each)")
	interval := flag.Duration("interval", 2*time.Second, "Send interval per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	log.Printf("Starting chat stress test")
	log.Printf("Target: %s", *host)
	log.Printf("Pairs: %d", *pairs)
	log.Printf("Duration: %v", *duration)

	run := time.Now().UnixNano()
	accounts := make([]account, 0, *pairs*2)
	for i := 0; i < *pairs*2; i++ {
		acc, err := register(*host, fmt.Sprintf("loadtest-%d-%d@example.com", run, i))
		if err != nil {
			log.Fatalf("account setup failed: %v", err)
		}
		accounts = append(accounts, acc)
	}
	log.Printf("Registered %d accounts", len(accounts))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < len(accounts); i++ {
		peer := accounts[i^1] // pair neighbours: 0<->1, 2<->3, ...
		wg.Add(1)
		go runClient(*host, accounts[i], peer.id, *interval, stopChan, &wg)
		time.Sleep(20 * time.Millisecond) // Stagger connections
	}

	select {
	case <-time.After(*duration):
		log.Println("Test duration reached")
	case <-interrupt:
		log.Println("Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func register(host, email string) (account, error) {
	registerURL := fmt.Sprintf("http://%s/api/auth/register", host)
	payload := map[string]string{
		"name":     email,
		"email":    email,
		"password": "loadtest-password-1",
	}
	body, _ := json.Marshal(payload)

	resp, err := http.Post(registerURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return account{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return account{}, fmt.Errorf("register failed with status %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return account{}, err
	}
	return account{id: result.User.ID, token: result.Token}, nil
}

func runClient(host string, acc account, peerID string, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws", RawQuery: "token=" + acc.token}

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	chatID := make(chan string, 1)

	// Read loop
	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			switch f.Event {
			case "ack":
				atomic.AddInt64(&metrics.AcksReceived, 1)
				if f.ID == "chat-get" {
					var snap struct {
						Chat struct {
							ID string `json:"id"`
						} `json:"chat"`
					}
					if err := json.Unmarshal(f.Data, &snap); err == nil {
						chatID <- snap.Chat.ID
					}
				}
			case "message":
				atomic.AddInt64(&metrics.MessagesReceived, 1)
			case "message:status":
				atomic.AddInt64(&metrics.StatusTicks, 1)
			case "error":
				atomic.AddInt64(&metrics.Errors, 1)
			}
		}
	}()

	send := func(event, id string, data any) error {
		raw, _ := json.Marshal(data)
		f, _ := json.Marshal(frame{Event: event, ID: id, Data: raw})
		return c.WriteMessage(websocket.TextMessage, f)
	}

	if err := send("chat:get", "chat-get", map[string]string{"peer_id": peerID}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	var chat string
	select {
	case chat = <-chatID:
	case <-time.After(10 * time.Second):
		atomic.AddInt64(&metrics.Errors, 1)
		return
	case <-stopChan:
		return
	}

	if err := send("chat:join", "chat-join", map[string]string{"chat_id": chat}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			seq++
			err := send("message", fmt.Sprintf("m-%d", seq), map[string]string{
				"chat_id": chat,
				"content": fmt.Sprintf("stress message %d from %s", seq, acc.id),
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("\nTest Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Acks Received: %d", atomic.LoadInt64(&metrics.AcksReceived))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Status Ticks: %d", atomic.LoadInt64(&metrics.StatusTicks))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
