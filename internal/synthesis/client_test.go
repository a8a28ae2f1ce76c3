package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const planningComplete = `{"insights":{"keyThemes":[{"theme":"planning","confidence":0.9,"relatedConcepts":["time blocking"]}],"actionItems":[{"task":"draft weekly plan","priority":"high","estimatedDuration":"30m"}]}}`

func writeStream(w http.ResponseWriter, records ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, r := range records {
		fmt.Fprintf(w, "data: %s\n\n", r)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *recordedSleep) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &recordedSleep{}
	base := []Option{
		WithHTTPClient(srv.Client()),
		WithRetrier(testRetrier(rec)),
		WithClock(newFakeClock()),
	}
	return NewClient(srv.URL, append(base, opts...)...), rec
}

func TestSynthesize_HappyPath(t *testing.T) {
	var gotReq SynthesizeRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/synthesize" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		writeStream(w,
			`{"type":"progress","data":{"stage":"analyzing","percent":20}}`,
			`{"type":"complete","data":`+planningComplete+`}`,
		)
	})

	prefs := Preferences{InsightDepth: "brief"}
	var events []StreamedEvent
	resp, err := c.Synthesize(context.Background(), "plan my week", Options{Preferences: prefs}, Handlers{
		OnEvent: func(ev StreamedEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if got := resp.Insights.KeyThemes[0]; got.Theme != "planning" || got.Confidence != 0.9 {
		t.Errorf("theme = %+v", got)
	}
	if got := resp.Insights.ActionItems[0].Task; got != "draft weekly plan" {
		t.Errorf("task = %q", got)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}

	if !gotReq.Stream {
		t.Error("request did not ask for streamed delivery")
	}
	if gotReq.Input != "plan my week" || gotReq.Preferences.InsightDepth != "brief" {
		t.Errorf("request = %+v", gotReq)
	}
	if gotReq.SessionID == "" {
		t.Error("session id not populated")
	}

	cached, ok := c.Cache().Get(GenerateKey("plan my week", prefs))
	if !ok {
		t.Fatal("expected cache entry under the derived key")
	}
	if cached.Insights.KeyThemes[0].Theme != "planning" {
		t.Errorf("cached theme = %q", cached.Insights.KeyThemes[0].Theme)
	}
}

func TestSynthesize_CacheHit(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeStream(w, `{"type":"complete","data":`+planningComplete+`}`)
	})

	opts := Options{Preferences: Preferences{InsightDepth: "brief"}}
	first, err := c.Synthesize(context.Background(), "plan my week", opts, Handlers{})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.Synthesize(context.Background(), "Plan my week ", opts, Handlers{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
	if second.Insights.KeyThemes[0].Theme != first.Insights.KeyThemes[0].Theme {
		t.Error("cached result differs from the original")
	}
}

func TestSynthesize_RateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"slow down"}`))
			return
		}
		writeStream(w, `{"type":"complete","data":{"insights":{"keyThemes":[{"theme":"attempt-2"}],"actionItems":[]}}}`)
	})

	var notices []RetryNotice
	resp, err := c.Synthesize(context.Background(), "plan my week", Options{}, Handlers{
		OnRetry: func(n RetryNotice) { notices = append(notices, n) },
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := resp.Insights.KeyThemes[0].Theme; got != "attempt-2" {
		t.Errorf("theme = %q, want attempt-2", got)
	}
	if len(notices) != 1 {
		t.Fatalf("retry notifications = %d, want 1", len(notices))
	}
	if notices[0].Message() != "retrying… attempt 2" {
		t.Errorf("message = %q", notices[0].Message())
	}
	if len(rec.delays) != 1 || rec.delays[0].Seconds() != 1 {
		t.Errorf("delays = %v, want [1s]", rec.delays)
	}
}

func TestSynthesize_AlwaysUnavailable(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Synthesize(context.Background(), "x", Options{}, Handlers{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 StatusError", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
	if c.Cache().Len() != 0 {
		t.Error("failures must not be cached")
	}
}

func TestSynthesize_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"input is required"}`))
	})

	_, err := c.Synthesize(context.Background(), "", Options{}, Handlers{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Message != "input is required" {
		t.Errorf("message = %q", se.Message)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSynthesize_UpgradeRequired(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"monthly synthesis limit reached","code":"limit_exceeded","upgradeRequired":true}`))
	})

	_, err := c.Synthesize(context.Background(), "x", Options{}, Handlers{})
	if !IsUpgradeRequired(err) {
		t.Fatalf("err = %v, want upgrade required", err)
	}
}

func TestSynthesize_IncompleteStreamNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeStream(w, `{"type":"progress","data":{}}`, `{"type":"insight","data":{}}`)
	})

	_, err := c.Synthesize(context.Background(), "x", Options{}, Handlers{})
	if !errors.Is(err, ErrIncompleteStream) {
		t.Fatalf("err = %v, want ErrIncompleteStream", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSynthesize_ConnectionFailureRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &recordedSleep{}
	c := NewClient(url, WithRetrier(testRetrier(rec)))
	_, err := c.Synthesize(context.Background(), "x", Options{}, Handlers{})

	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConnectError", err)
	}
	if len(rec.delays) != 3 {
		t.Errorf("retries = %d, want 3", len(rec.delays))
	}
}

func TestSynthesize_SendsAuthHeaders(t *testing.T) {
	var auth, user string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		user = r.Header.Get("X-User-ID")
		writeStream(w, `{"type":"complete","data":`+planningComplete+`}`)
	}, WithToken("tok"), WithUserID("u-1"))

	if _, err := c.Synthesize(context.Background(), "x", Options{}, Handlers{}); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer tok" || user != "u-1" {
		t.Errorf("auth = %q, user = %q", auth, user)
	}
}

func TestSynthesize_CoalescingSharesInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		writeStream(w, `{"type":"complete","data":`+planningComplete+`}`)
	}, WithCoalescing(true))

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := c.Synthesize(context.Background(), "plan my week", Options{}, Handlers{})
			errs <- err
		}()
	}
	// A late second caller either joins the flight or hits the cache.
	<-started
	close(release)
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
}

func TestSynthesize_KeepsUnknownFields(t *testing.T) {
	payload := `{"insights":{"keyThemes":[{"theme":"planning","confidence":0.9,"relatedConcepts":["x"],"emoji":"🗓"}],"actionItems":[],"summary":"a calm week"},"processingMetadata":{"processingTime":12,"tokensUsed":40,"confidenceScore":0.8,"model":"m-1"}}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, `{"type":"complete","data":`+payload+`}`)
	})

	resp, err := c.Synthesize(context.Background(), "plan my week", Options{}, Handlers{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if resp.Insights.KeyThemes[0].Theme != "planning" {
		t.Errorf("typed view = %+v", resp.Insights)
	}

	var want bytes.Buffer
	json.Compact(&want, []byte(payload))
	got, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != want.String() {
		t.Errorf("re-encoded result =\n%s\nwant\n%s", got, want.String())
	}

	cached, _ := c.Cache().Get(GenerateKey("plan my week", Preferences{}))
	if got, _ := json.Marshal(cached); string(got) != want.String() {
		t.Errorf("cached result = %s", got)
	}
}

func TestSynthesize_NilRetrierUsesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStream(w, `{"type":"complete","data":`+planningComplete+`}`)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithRetrier(nil))
	if _, err := c.Synthesize(context.Background(), "x", Options{}, Handlers{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
}

// waitSubscribers blocks until the flight for key has n subscribers.
func waitSubscribers(t *testing.T, c *Client, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		f := c.flights[key]
		c.mu.Unlock()
		if f != nil {
			f.mu.Lock()
			got := len(f.subs)
			f.mu.Unlock()
			if got == n {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("flight %s never reached %d subscribers", key, n)
}

func blockingStream(release <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"progress\",\"data\":{\"stage\":\"analyzing\",\"percent\":10}}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprintf(w, "data: {\"type\":\"complete\",\"data\":%s}\n\n", planningComplete)
	}
}

func TestSynthesize_CoalescingFansOutEvents(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, blockingStream(release), WithCoalescing(true))
	key := GenerateKey("plan my week", Preferences{})

	type outcome struct {
		events []EventType
		err    error
	}
	firstProgress := make(chan struct{})
	results := make(chan outcome, 2)
	call := func(onFirst func()) {
		var seen []EventType
		_, err := c.Synthesize(context.Background(), "plan my week", Options{}, Handlers{
			OnEvent: func(ev StreamedEvent) {
				seen = append(seen, ev.Type)
				if onFirst != nil && len(seen) == 1 {
					onFirst()
				}
			},
		})
		results <- outcome{seen, err}
	}

	go call(func() { close(firstProgress) })
	<-firstProgress
	go call(nil)
	waitSubscribers(t, c, key, 2)
	close(release)

	for range 2 {
		out := <-results
		if out.err != nil {
			t.Fatalf("Synthesize: %v", out.err)
		}
		if len(out.events) != 2 || out.events[0] != EventProgress || out.events[1] != EventComplete {
			t.Errorf("events = %v, want [progress complete]", out.events)
		}
	}
}

func TestSynthesize_CoalescingFollowerOutlivesLeader(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, blockingStream(release), WithCoalescing(true))
	key := GenerateKey("plan my week", Preferences{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := c.Synthesize(leaderCtx, "plan my week", Options{}, Handlers{})
		leader <- err
	}()
	waitSubscribers(t, c, key, 1)

	follower := make(chan error, 1)
	go func() {
		_, err := c.Synthesize(context.Background(), "plan my week", Options{}, Handlers{})
		follower <- err
	}()
	waitSubscribers(t, c, key, 2)

	cancelLeader()
	if err := <-leader; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-follower; err != nil {
		t.Fatalf("follower err = %v", err)
	}
}
