package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"chatrelay/internal/identity"
)

type User struct {
	ID       string
	Username string
	Token    string
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
	FanoutOperation
)

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	delivered       int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	writeLatencies  []time.Duration
	readLatencies   []time.Duration
	fanoutLatencies []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()

	if opType == FanoutOperation {
		s.delivered++
		s.fanoutLatencies = append(s.fanoutLatencies, latency)
		return
	}

	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}
	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type options struct {
	baseURL     string
	secret      string
	users       int
	groupSize   int
	rate        float64
	duration    time.Duration
	readPercent int
}

type runner struct {
	opts   options
	client *http.Client
	stats  *Stats
	log    *slog.Logger
}

func (r *runner) do(method, path, token string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, r.opts.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func mintUsers(n int, secret string) ([]*User, error) {
	signer := identity.NewJWTResolver(secret)
	users := make([]*User, n)
	for i := range users {
		id := strconv.Itoa(100000 + i)
		username := fmt.Sprintf("loadtest_user_%d", i)
		token, err := signer.Sign(id, username, 2*time.Hour)
		if err != nil {
			return nil, err
		}
		users[i] = &User{ID: id, Username: username, Token: token}
	}
	return users, nil
}

// createGroups splits users into groups of groupSize, each created by its
// first member.
func (r *runner) createGroups(users []*User) (map[string][]string, error) {
	chunks := lo.Chunk(users, r.opts.groupSize)
	groups := make(map[string][]string, len(chunks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, len(chunks))

	for i, chunk := range chunks {
		if len(chunk) < 2 {
			continue
		}
		wg.Add(1)
		go func(i int, chunk []*User) {
			defer wg.Done()
			members := lo.Map(chunk[1:], func(u *User, _ int) map[string]string {
				return map[string]string{"id": u.ID, "username": u.Username}
			})
			var resp struct {
				ConversationID string `json:"conversation_id"`
			}
			status, err := r.do(http.MethodPost, "/chat/groups/create/", chunk[0].Token,
				map[string]any{"name": fmt.Sprintf("LoadTest Group %d", i), "members": members}, &resp)
			if err != nil || status != http.StatusCreated {
				errs <- fmt.Errorf("create group %d: status %d: %v", i, status, err)
				return
			}
			mu.Lock()
			groups[resp.ConversationID] = lo.Map(chunk, func(u *User, _ int) string { return u.ID })
			mu.Unlock()
		}(i, chunk)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		r.log.Warn("group creation failed", "error", err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no groups created")
	}
	return groups, nil
}

func (r *runner) wsURL(user *User) string {
	u, _ := url.Parse(r.opts.baseURL)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/chat/"
	u.RawQuery = url.Values{"token": {user.Token}, "userId": {user.ID}}.Encode()
	return u.String()
}

// listen reads frames for one user until ctx ends. Message ciphertexts
// carry their send time, so the gap to arrival is the fan-out latency.
func (r *runner) listen(ctx context.Context, user *User, ready *sync.WaitGroup) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.wsURL(user), nil)
	ready.Done()
	if err != nil {
		r.log.Warn("websocket dial failed", "user_id", user.ID, "error", err)
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event struct {
			Type       string `json:"type"`
			Ciphertext string `json:"ciphertext"`
		}
		if json.Unmarshal(data, &event) != nil || event.Type != "message" {
			continue
		}
		sent, err := strconv.ParseInt(event.Ciphertext, 10, 64)
		if err != nil {
			continue
		}
		r.stats.recordSuccess(time.Since(time.Unix(0, sent)), FanoutOperation)
	}
}

func (r *runner) simulateUser(ctx context.Context, user *User, conversations []string, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / r.opts.rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conversationID := conversations[rand.Intn(len(conversations))]
		path := "/chat/conversations/" + conversationID + "/messages/"

		if rand.Intn(100) < r.opts.readPercent {
			start := time.Now()
			status, err := r.do(http.MethodGet, path+"?limit=20", user.Token, nil, nil)
			if err != nil || status != http.StatusOK {
				r.stats.recordError()
				continue
			}
			r.stats.recordSuccess(time.Since(start), ReadOperation)
			continue
		}

		start := time.Now()
		status, err := r.do(http.MethodPost, path, user.Token, map[string]any{
			"ciphertext": strconv.FormatInt(start.UnixNano(), 10),
			"metadata":   map[string]any{"loadtest": true},
		}, nil)
		if err != nil || status != http.StatusCreated {
			r.stats.recordError()
			continue
		}
		r.stats.recordSuccess(time.Since(start), WriteOperation)
	}
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Server base URL")
	flag.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "JWT_SECRET the server verifies tokens with")
	flag.IntVar(&opts.users, "users", 500, "Number of simulated users")
	flag.IntVar(&opts.groupSize, "group-size", 10, "Members per group")
	flag.Float64Var(&opts.rate, "rate", 1, "Operations per second per user")
	flag.DurationVar(&opts.duration, "duration", time.Minute, "Simulation time")
	flag.IntVar(&opts.readPercent, "read-percent", 50, "Share of operations that are reads")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if opts.secret == "" || opts.users < 2 || opts.groupSize < 2 || opts.rate <= 0 {
		logger.Error("invalid options: -secret is required, -users and -group-size must be at least 2, -rate positive")
		os.Exit(2)
	}

	logger.Info("starting load test", "users", opts.users, "group_size", opts.groupSize, "rate", opts.rate, "duration", opts.duration)
	logger.Info("start the server with -loadtest and JWT_SECRET set to use a separate database")

	r := &runner{
		opts:   opts,
		client: &http.Client{Timeout: 5 * time.Second},
		stats:  &Stats{},
		log:    logger,
	}

	users, err := mintUsers(opts.users, opts.secret)
	if err != nil {
		logger.Error("mint tokens", "error", err)
		os.Exit(1)
	}

	groups, err := r.createGroups(users)
	if err != nil {
		logger.Error("create groups", "error", err)
		os.Exit(1)
	}
	memberOf := map[string][]string{}
	for convID, members := range groups {
		for _, id := range members {
			memberOf[id] = append(memberOf[id], convID)
		}
	}
	logger.Info("groups created", "count", len(groups))

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	var ready sync.WaitGroup
	for _, u := range users {
		ready.Add(1)
		go r.listen(ctx, u, &ready)
	}
	ready.Wait()
	logger.Info("realtime sessions connected")

	start := time.Now()
	var wg sync.WaitGroup
	for _, u := range users {
		if convs := memberOf[u.ID]; len(convs) > 0 {
			wg.Add(1)
			go r.simulateUser(ctx, u, convs, &wg)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Let in-flight frames land.
	time.Sleep(500 * time.Millisecond)

	s := r.stats
	s.Lock()
	defer s.Unlock()
	var avg time.Duration
	if s.successRequests > 0 {
		avg = s.totalLatency / time.Duration(s.successRequests)
	}
	logger.Info("load test results",
		"total_requests", s.totalRequests,
		"successful", s.successRequests,
		"failed", s.failedRequests,
		"avg_latency", avg,
		"min_latency", s.minLatency,
		"max_latency", s.maxLatency,
		"p50_write", percentile(s.writeLatencies, 0.50),
		"p99_write", percentile(s.writeLatencies, 0.99),
		"p99_read", percentile(s.readLatencies, 0.99),
		"frames_delivered", s.delivered,
		"p50_fanout", percentile(s.fanoutLatencies, 0.50),
		"p99_fanout", percentile(s.fanoutLatencies, 0.99),
		"requests_per_sec", float64(s.totalRequests)/elapsed.Seconds(),
		"duration", elapsed,
	)
}
