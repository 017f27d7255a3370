package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type stats struct {
	joined   atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
}

func main() {
	wsURL := pflag.String("url", "ws://localhost:3000/ws", "websocket endpoint")
	rooms := pflag.Int("rooms", 10, "number of rooms")
	perRoom := pflag.Int("per-room", 9, "clients per room (anything past 8 should see room-full)")
	msgCount := pflag.Int("messages", 20, "chat messages per client")
	linger := pflag.Duration("linger", 2*time.Second, "how long clients keep reading after their last send")
	pflag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := checkHealth(*wsURL); err != nil {
		log.Error("❌ server not healthy", "err", err)
		os.Exit(1)
	}

	log.Info("🔥 starting stress test", "rooms", *rooms, "perRoom", *perRoom, "messages", *msgCount)
	started := time.Now()

	var st stats
	var wg sync.WaitGroup
	for r := 0; r < *rooms; r++ {
		code := fmt.Sprintf("LOAD%03d", r)
		for i := 0; i < *perRoom; i++ {
			wg.Add(1)
			go func(username string) {
				defer wg.Done()
				if err := runClient(*wsURL, code, username, *msgCount, *linger, &st); err != nil {
					st.failed.Add(1)
					log.Warn("❌ client failed", "room", code, "user", username, "err", err)
				}
			}(fmt.Sprintf("cook_%d_%d", r, i))
			// Stagger joins so capacity is hit in a predictable order.
			time.Sleep(5 * time.Millisecond)
		}
	}
	wg.Wait()

	log.Info("✅ load test complete",
		"elapsed", time.Since(started).Round(time.Millisecond),
		"joined", st.joined.Load(),
		"roomFull", st.rejected.Load(),
		"failed", st.failed.Load(),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
	)
}

func checkHealth(wsURL string) error {
	base := strings.TrimSuffix(strings.Replace(wsURL, "ws", "http", 1), "/ws")
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

func runClient(wsURL, code, username string, msgCount int, linger time.Duration, st *stats) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := send(conn, "join-room", map[string]any{
		"roomCode": code,
		"username": username,
		"recipe": map[string]any{
			"name":        "Load Test Lasagna",
			"ingredients": []string{"pasta", "tomato", "cheese"},
			"cookingTime": 45,
		},
	}); err != nil {
		return err
	}

	var first envelope
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		return fmt.Errorf("waiting for join reply: %w", err)
	}
	if first.Event == "room-full" {
		st.rejected.Add(1)
		return nil
	}
	st.joined.Add(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == "new-message" {
				st.received.Add(1)
			}
		}
	}()

	conn.SetReadDeadline(time.Time{})
	for i := 0; i < msgCount; i++ {
		if err := send(conn, "chat-message", map[string]string{
			"message": fmt.Sprintf("LoadTest Msg %d from %s", i, username),
		}); err != nil {
			return err
		}
		st.sent.Add(1)
		// Small sleep so localhost doesn't turn into one giant burst.
		time.Sleep(10 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(linger))
	<-done
	return nil
}

func send(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(envelope{Event: event, Data: raw})
}
