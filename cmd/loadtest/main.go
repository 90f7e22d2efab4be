// Command loadtest drives pairs of users through register, login, direct
// conversation and a burst of socket sends, reconciling every optimistic
// message against the server's acks, broadcasts and history.
//
// The default auth policy admits five logins per address every fifteen
// minutes; point the server at a relaxed policy file before large runs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/chat"
	"chatsync/internal/logger"
	"chatsync/internal/reconcile"
	"chatsync/internal/realtime"
)

type options struct {
	base     string
	pairs    int
	messages int
	interval time.Duration
	settle   time.Duration
	parallel int
}

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type ConversationResponse struct {
	ID string `json:"conversationId"`
}

// stats aggregates outcomes across every simulated user.
type stats struct {
	mu        sync.Mutex
	sent      int
	confirmed int
	recovered int
	failed    map[string]int
	latencies []time.Duration
}

func (s *stats) add(f func(s *stats)) {
	s.mu.Lock()
	f(s)
	s.mu.Unlock()
}

func main() {
	var opts options
	flag.StringVar(&opts.base, "base", "http://localhost:8080", "server base URL")
	flag.IntVar(&opts.pairs, "pairs", 50, "number of user pairs")
	flag.IntVar(&opts.messages, "messages", 20, "messages per user")
	flag.DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between sends")
	flag.DurationVar(&opts.settle, "settle", 5*time.Second, "how long to wait for outstanding acks")
	flag.IntVar(&opts.parallel, "parallel", 100, "pairs running at once")
	flag.Parse()

	log := logger.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log.Info("starting load test", "users", opts.pairs*2, "messages_per_user", opts.messages)

	st := &stats{failed: make(map[string]int)}
	runID := time.Now().Unix() % 100000
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(opts.parallel)
	for i := 0; i < opts.pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(ctx, opts, st, log, runID, pairID); err != nil {
				log.Warn("pair failed", "pair", pairID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report(log, st, time.Since(start))
}

func runPair(ctx context.Context, opts options, st *stats, log *slog.Logger, runID int64, pairID int) error {
	// 1. Register & Login both sides
	userA := fmt.Sprintf("lt%d%da", runID, pairID)
	userB := fmt.Sprintf("lt%d%db", runID, pairID)
	pass := "password123"

	a, err := authenticate(opts.base, userA, pass)
	if err != nil {
		return err
	}
	b, err := authenticate(opts.base, userB, pass)
	if err != nil {
		return err
	}

	// 2. User A starts the direct conversation with User B
	convID, err := createConversation(opts.base, a.Token, b.ID)
	if err != nil {
		return err
	}

	// 3. Both sides chat at once
	g, ctx := errgroup.WithContext(ctx)
	for _, side := range []AuthResponse{a, b} {
		side := side
		g.Go(func() error {
			return chatSide(ctx, opts, st, log.With("user_id", side.ID), side, convID)
		})
	}
	return g.Wait()
}

// authenticate registers (a taken username is fine) and logs in.
func authenticate(base, username, password string) (AuthResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(base+"/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(base+"/login", "", creds)
	if err != nil {
		return AuthResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AuthResponse{}, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, fmt.Errorf("decode login: %w", err)
	}
	return data, nil
}

func createConversation(base, token, targetID string) (string, error) {
	resp, err := postJSON(base+"/api/conversations", token, map[string]string{"targetId": targetID})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create conversation: status %d", resp.StatusCode)
	}

	var data ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	return data.ID, nil
}

func chatSide(ctx context.Context, opts options, st *stats, log *slog.Logger, self AuthResponse, convID string) error {
	wsURL := "ws" + strings.TrimPrefix(opts.base, "http") + "/ws?token=" + url.QueryEscape(self.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	cache := reconcile.New(convID, self.ID)
	var (
		mu     sync.Mutex
		sentAt = make(map[string]time.Time)
	)
	subscribed := make(chan struct{})
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		var once sync.Once
		for {
			var f realtime.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Event {
			case realtime.EventSubscribed:
				once.Do(func() { close(subscribed) })
				continue
			case realtime.EventAuthError:
				log.Warn("socket auth rejected", "data", string(f.Data))
				return
			case chat.EventMessageSent:
				var ack chat.MessageSent
				if json.Unmarshal(f.Data, &ack) == nil {
					mu.Lock()
					if t, ok := sentAt[ack.ClientMessageID]; ok {
						st.add(func(s *stats) { s.latencies = append(s.latencies, time.Since(t)) })
						delete(sentAt, ack.ClientMessageID)
					}
					mu.Unlock()
				}
			}
			if _, err := cache.Apply(f.Event, f.Data); err != nil {
				log.Warn("bad frame", "event", f.Event, "error", err)
			}
		}
	}()

	send := func(e reconcile.Entry) error {
		mu.Lock()
		sentAt[*e.ClientMessageID] = time.Now()
		mu.Unlock()
		return writeFrame(conn, realtime.EventMessageSend, realtime.SendRequest{
			ConversationID:  convID,
			Content:         e.Content,
			ClientMessageID: *e.ClientMessageID,
		})
	}

	if err := writeFrame(conn, realtime.EventSubscribe, realtime.SubscribeRequest{ConversationID: convID}); err != nil {
		return err
	}
	select {
	case <-subscribed:
	case <-readDone:
		return errors.New("socket closed before subscribe")
	case <-time.After(5 * time.Second):
		return errors.New("subscribe timed out")
	}

	// Spam Loop
	for i := 0; i < opts.messages; i++ {
		e := cache.AddOptimistic(fmt.Sprintf("LoadTest Msg %d from %s", i, self.ID))
		if err := send(e); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		st.add(func(s *stats) { s.sent++ })
		time.Sleep(opts.interval)
	}

	// Retry what failed retryably, once, then give acks time to land.
	deadline := time.Now().Add(opts.settle)
	retried := make(map[string]bool)
	for time.Now().Before(deadline) && len(cache.Pending()) > 0 {
		for _, p := range cache.Pending() {
			key := *p.ClientMessageID
			if p.Failure == nil || !p.Failure.Retryable || retried[key] {
				continue
			}
			time.Sleep(min(time.Duration(p.Failure.RetryAfter)*time.Millisecond, time.Until(deadline)))
			if e, ok := cache.Retry(key); ok {
				retried[key] = true
				if err := send(e); err != nil {
					return fmt.Errorf("resend: %w", err)
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		conn.Close()
		<-readDone
	}

	// Anything persisted whose ack was lost shows up in history.
	stillPending := len(cache.Pending())
	if stillPending > 0 {
		if err := mergeHistory(opts.base, self.Token, convID, cache); err != nil {
			log.Warn("history recovery failed", "error", err)
		}
	}

	pending := cache.Pending()
	st.add(func(s *stats) {
		s.confirmed += opts.messages - len(pending)
		s.recovered += stillPending - len(pending)
		for _, p := range pending {
			code := "NO_ACK"
			if p.Failure != nil {
				code = p.Failure.Code
			}
			s.failed[code]++
		}
	})
	return nil
}

func mergeHistory(base, token, convID string, cache *reconcile.Cache) error {
	cursor := ""
	for page := 0; page < 20; page++ {
		q := url.Values{"limit": {"100"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		req, err := http.NewRequest(http.MethodGet, base+"/api/conversations/"+convID+"/messages?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		var p chat.Page
		err = json.NewDecoder(resp.Body).Decode(&p)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode history: %w", err)
		}

		cache.MergeHistory(p.Messages)
		if !p.HasMore || len(cache.Pending()) == 0 {
			return nil
		}
		cursor = p.NextCursor
	}
	return nil
}

func writeFrame(conn *websocket.Conn, event string, data any) error {
	raw, err := realtime.Encode(event, data)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func postJSON(endpoint, token string, data interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func report(log *slog.Logger, st *stats, elapsed time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sort.Slice(st.latencies, func(i, j int) bool { return st.latencies[i] < st.latencies[j] })
	pct := func(p float64) time.Duration {
		if len(st.latencies) == 0 {
			return 0
		}
		return st.latencies[int(p*float64(len(st.latencies)-1))]
	}

	attrs := []any{
		"elapsed", elapsed.Round(time.Millisecond),
		"sent", st.sent,
		"confirmed", st.confirmed,
		"recovered_from_history", st.recovered,
		"ack_p50", pct(0.50),
		"ack_p99", pct(0.99),
	}
	for code, n := range st.failed {
		attrs = append(attrs, "failed_"+strings.ToLower(code), n)
	}
	log.Info("load test complete", attrs...)
}
