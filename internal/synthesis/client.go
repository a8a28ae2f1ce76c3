package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	synthesizePath   = "/api/synthesize"
	maxErrorBodySize = 64 << 10
)

// Doer is the HTTP port the client streams through. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client invokes the remote synthesize operation: it checks the cache,
// posts the request, consumes the event stream, retries transient failures
// and caches successful results.
type Client struct {
	baseURL  string
	token    string
	userID   string
	http     Doer
	cache    *Cache
	cacheTTL time.Duration
	retrier  *Retrier
	clock    Clock
	logger   *slog.Logger

	coalesce bool
	mu       sync.Mutex
	flights  map[string]*flight
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(d Doer) Option { return func(c *Client) { c.http = d } }

// WithCache shares a cache between clients. Each client otherwise owns one.
func WithCache(cache *Cache) Option { return func(c *Client) { c.cache = cache } }

func WithCacheTTL(ttl time.Duration) Option { return func(c *Client) { c.cacheTTL = ttl } }

func WithRetrier(r *Retrier) Option { return func(c *Client) { c.retrier = r } }

func WithClock(clock Clock) Option { return func(c *Client) { c.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithUserID sets the X-User-ID header.
func WithUserID(id string) Option { return func(c *Client) { c.userID = id } }

// WithCoalescing makes concurrent calls with the same cache key share one
// in-flight request. Off by default: without it two concurrent identical
// calls both reach the network.
//
// Every caller sharing a request gets its own OnEvent and OnRetry calls;
// a caller that joins late first receives the events already delivered.
// A caller whose ctx ends stops waiting, and the shared request is
// cancelled once no caller is left.
func WithCoalescing(enabled bool) Option { return func(c *Client) { c.coalesce = enabled } }

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 5 * time.Minute},
		cacheTTL: DefaultCacheTTL,
		retrier:  NewRetrier(),
		clock:    realClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewCacheWithClock(c.clock)
	}
	if c.retrier == nil {
		c.retrier = NewRetrier()
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Cache exposes the client's response cache.
func (c *Client) Cache() *Cache { return c.cache }

// Handlers are the per-call callbacks. Both are optional.
type Handlers struct {
	OnEvent EventHandler
	OnRetry func(RetryNotice)
}

// Synthesize returns the synthesis of input. An equivalent call made within
// the cache TTL returns the cached result without touching the network.
func (c *Client) Synthesize(ctx context.Context, input string, opts Options, h Handlers) (SynthesizeResponse, error) {
	key := GenerateKey(input, opts.Preferences)
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug("synthesis cache hit", "key", key)
		return cached, nil
	}

	if !c.coalesce {
		return c.synthesize(ctx, key, input, opts, h)
	}

	return c.coalesced(ctx, key, input, opts, h)
}

// flight is one shared in-flight synthesis.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	res    SynthesizeResponse
	err    error

	mu     sync.Mutex
	events []StreamedEvent
	subs   map[int]Handlers
	nextID int
}

func (f *flight) subscribe(h Handlers) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h.OnEvent != nil {
		for _, ev := range f.events {
			h.OnEvent(ev)
		}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = h
	return id
}

// unsubscribe reports whether no subscriber is left.
func (f *flight) unsubscribe(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return len(f.subs) == 0
}

func (f *flight) handlers() Handlers {
	return Handlers{
		OnEvent: func(ev StreamedEvent) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, ev)
			for _, h := range f.subs {
				if h.OnEvent != nil {
					h.OnEvent(ev)
				}
			}
		},
		OnRetry: func(n RetryNotice) {
			f.mu.Lock()
			defer f.mu.Unlock()
			for _, h := range f.subs {
				if h.OnRetry != nil {
					h.OnRetry(n)
				}
			}
		},
	}
}

func (c *Client) coalesced(ctx context.Context, key, input string, opts Options, h Handlers) (SynthesizeResponse, error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if ok {
		c.logger.Debug("synthesis shared with in-flight request", "key", key)
	} else {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel, done: make(chan struct{}), subs: make(map[int]Handlers)}
		if c.flights == nil {
			c.flights = make(map[string]*flight)
		}
		c.flights[key] = f
		go c.fly(key, f, input, opts)
	}
	id := f.subscribe(h)
	c.mu.Unlock()

	select {
	case <-f.done:
		f.unsubscribe(id)
		return f.res, f.err
	case <-ctx.Done():
		c.mu.Lock()
		if f.unsubscribe(id) {
			f.cancel()
			c.forget(key, f)
		}
		c.mu.Unlock()
		return SynthesizeResponse{}, ctx.Err()
	}
}

func (c *Client) fly(key string, f *flight, input string, opts Options) {
	defer f.cancel()
	res, err := c.synthesize(f.ctx, key, input, opts, f.handlers())
	c.mu.Lock()
	c.forget(key, f)
	c.mu.Unlock()
	f.res, f.err = res, err
	close(f.done)
}

// forget drops f from the in-flight set. c.mu must be held.
func (c *Client) forget(key string, f *flight) {
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

func (c *Client) synthesize(ctx context.Context, key, input string, opts Options, h Handlers) (SynthesizeResponse, error) {
	req := BuildRequest(input, opts, c.clock.Now())
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return SynthesizeResponse{}, fmt.Errorf("marshaling request: %w", err)
	}

	retrier := *c.retrier
	retrier.OnRetry = func(n RetryNotice) {
		c.logger.Warn("synthesis attempt failed, retrying",
			"session_id", req.SessionID, "attempt", n.Attempt, "delay", n.Delay, "error", n.Err)
		if c.retrier.OnRetry != nil {
			c.retrier.OnRetry(n)
		}
		if h.OnRetry != nil {
			h.OnRetry(n)
		}
	}

	var result SynthesizeResponse
	err = retrier.Do(ctx, func(ctx context.Context) error {
		resp, err := c.attempt(ctx, body, h.OnEvent)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	if err != nil {
		c.logger.Error("synthesis failed", "session_id", req.SessionID, "error", err)
		return SynthesizeResponse{}, err
	}

	c.cache.SetWithTTL(key, result, c.cacheTTL)
	return result, nil
}

func (c *Client) attempt(ctx context.Context, body []byte, onEvent EventHandler) (SynthesizeResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+synthesizePath, bytes.NewReader(body))
	if err != nil {
		return SynthesizeResponse{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		httpReq.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SynthesizeResponse{}, ctxErr
		}
		return SynthesizeResponse{}, &ConnectError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SynthesizeResponse{}, statusError(resp)
	}

	return NewConsumer(c.clock, c.logger).Consume(resp.Body, onEvent)
}

func statusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(raw) == 0 {
		return se
	}
	var p ErrorPayload
	if json.Unmarshal(raw, &p) == nil {
		se.Message = p.Error
		if p.Message != "" {
			se.Message = p.Message
		}
		se.Code = p.Code
		se.UpgradeRequired = p.UpgradeRequired
		return se
	}
	se.Message = truncate(strings.TrimSpace(string(raw)), 200)
	return se
}
