package synthesis

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"
)

func TestConsume_HappyPath(t *testing.T) {
	stream := "data: {\"type\":\"progress\",\"data\":{\"stage\":\"analyzing\",\"percent\":10}}\n\n" +
		"data: {\"type\":\"insight\",\"data\":{\"theme\":\"planning\"}}\n\n" +
		"data: {\"type\":\"complete\",\"data\":{\"insights\":{\"keyThemes\":[{\"theme\":\"planning\",\"confidence\":0.9}],\"actionItems\":[{\"task\":\"block focus time\",\"priority\":\"high\"}]}}}\n\n"

	c := NewConsumer(newFakeClock(), nil)
	var seen []EventType
	resp, err := c.Consume(strings.NewReader(stream), func(ev StreamedEvent) {
		seen = append(seen, ev.Type)
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	want := []EventType{EventProgress, EventInsight, EventComplete}
	if len(seen) != len(want) {
		t.Fatalf("handler saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
	if c.State() != StateCompleted {
		t.Errorf("state = %s, want completed", c.State())
	}
	if got := resp.Insights.KeyThemes[0].Theme; got != "planning" {
		t.Errorf("theme = %q, want planning", got)
	}
	if got := resp.Insights.ActionItems[0].Priority; got != "high" {
		t.Errorf("priority = %q, want high", got)
	}
	cur, ok := c.Current()
	if !ok || cur.Type != EventComplete {
		t.Errorf("Current = %v, %v; want complete event", cur.Type, ok)
	}
}

func TestConsume_SkipsMalformedRecord(t *testing.T) {
	stream := "data: {\"type\":\"progress\",\"data\":{}}\n\n" +
		"data: {\"type\":\"insight\",\"data\":{oops}\n\n" +
		"data: {\"type\":\"complete\",\"data\":{\"insights\":{\"keyThemes\":[],\"actionItems\":[]}}}\n\n"

	c := NewConsumer(nil, nil)
	count := 0
	if _, err := c.Consume(strings.NewReader(stream), func(StreamedEvent) { count++ }); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if count != 2 {
		t.Errorf("events = %d, want 2", count)
	}
	if len(c.Events()) != 2 {
		t.Errorf("accumulated = %d, want 2", len(c.Events()))
	}
}

func TestConsume_WithoutComplete(t *testing.T) {
	stream := "data: {\"type\":\"progress\",\"data\":{}}\n\n" +
		"data: {\"type\":\"insight\",\"data\":{}}\n\n"

	c := NewConsumer(nil, nil)
	_, err := c.Consume(strings.NewReader(stream), nil)
	if !errors.Is(err, ErrIncompleteStream) {
		t.Fatalf("err = %v, want ErrIncompleteStream", err)
	}
	if c.State() != StateEndedWithoutCompletion {
		t.Errorf("state = %s, want ended-without-completion", c.State())
	}
	if !errors.Is(c.Err(), ErrIncompleteStream) {
		t.Errorf("Err() = %v", c.Err())
	}
}

func TestConsume_DrainsAfterComplete(t *testing.T) {
	stream := "data: {\"type\":\"complete\",\"data\":{\"insights\":{\"keyThemes\":[],\"actionItems\":[]}}}\n\n" +
		"data: {\"type\":\"progress\",\"data\":{\"stage\":\"done\"}}\n\n"

	r := strings.NewReader(stream)
	c := NewConsumer(nil, nil)
	if _, err := c.Consume(r, nil); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("%d bytes left unread", r.Len())
	}
	if len(c.Events()) != 2 {
		t.Errorf("events = %d, want 2", len(c.Events()))
	}
}

func TestConsume_ErrorEvent(t *testing.T) {
	stream := "data: {\"type\":\"progress\",\"data\":{}}\n\n" +
		"data: {\"type\":\"error\",\"data\":{\"error\":\"monthly limit reached\",\"code\":\"limit_exceeded\",\"upgradeRequired\":true}}\n\n"

	c := NewConsumer(nil, nil)
	_, err := c.Consume(strings.NewReader(stream), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if !IsUpgradeRequired(err) {
		t.Error("expected upgrade-required signal")
	}
	if IsRetryable(err) {
		t.Error("application errors must not be retried")
	}
	if c.State() != StateErrored {
		t.Errorf("state = %s, want errored", c.State())
	}
}

func TestConsume_IgnoresNonDataLines(t *testing.T) {
	stream := ": keep-alive\n" +
		"event: message\n" +
		"data: {\"type\":\"complete\",\"data\":{\"insights\":{\"keyThemes\":[],\"actionItems\":[]}}}\n" +
		"data: [DONE]\n"

	c := NewConsumer(nil, nil)
	if _, err := c.Consume(strings.NewReader(stream), nil); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(c.Events()) != 1 {
		t.Errorf("events = %d, want 1", len(c.Events()))
	}
}

func TestConsume_ChunkBoundaries(t *testing.T) {
	// One byte per read splits both lines and the multi-byte rune.
	stream := "data: {\"type\":\"insight\",\"data\":{\"theme\":\"café ☕\"}}\n\n" +
		"data: {\"type\":\"complete\",\"data\":{\"insights\":{\"keyThemes\":[{\"theme\":\"naïve\"}],\"actionItems\":[]}}}\n\n"

	c := NewConsumer(nil, nil)
	resp, err := c.Consume(iotest.OneByteReader(strings.NewReader(stream)), nil)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := resp.Insights.KeyThemes[0].Theme; got != "naïve" {
		t.Errorf("theme = %q, want naïve", got)
	}
	if got := string(c.Events()[0].Data); !strings.Contains(got, "café ☕") {
		t.Errorf("insight data = %s", got)
	}
}

func TestConsume_ReadError(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader("data: {\"type\":\"progress\",\"data\":{}}\n\n"),
		iotest.ErrReader(errors.New("connection reset")),
	)
	c := NewConsumer(nil, nil)
	_, err := c.Consume(r, nil)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v, want read error", err)
	}
	if c.State() != StateErrored {
		t.Errorf("state = %s, want errored", c.State())
	}
}

func TestConsumer_Reset(t *testing.T) {
	c := NewConsumer(nil, nil)
	c.Consume(strings.NewReader("data: {\"type\":\"progress\",\"data\":{}}\n\n"), nil)

	c.Reset()
	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
	if len(c.Events()) != 0 || c.Err() != nil {
		t.Error("Reset should clear events and error")
	}
	if _, ok := c.Current(); ok {
		t.Error("Reset should clear the current event")
	}
}

func TestEvents_StopsEarly(t *testing.T) {
	stream := "data: {\"type\":\"progress\",\"data\":{}}\n\n" +
		"data: {\"type\":\"insight\",\"data\":{}}\n\n"

	clock := newFakeClock()
	var got []StreamedEvent
	for ev, err := range Events(strings.NewReader(stream), clock, nil) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ev)
		break
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if !got[0].Timestamp.Equal(clock.Now()) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, clock.Now())
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 150) // 300 bytes
	got := truncate(s, 201)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 100)+"..." {
		t.Errorf("got %d runes", utf8.RuneCountInString(got))
	}
	if truncate("short", 200) != "short" {
		t.Error("short strings must pass through")
	}
}
