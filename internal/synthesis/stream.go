package synthesis

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"unicode/utf8"
)

var dataPrefix = []byte("data:")

// Events decodes a "data: <json>" framed stream lazily. Each yielded event
// is stamped with clock.Now(). Records that fail to parse are logged and
// skipped; a read failure is yielded once as the error and ends the sequence.
// The sequence is not restartable: it consumes r.
func Events(r io.Reader, clock Clock, logger *slog.Logger) iter.Seq2[StreamedEvent, error] {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(StreamedEvent, error) bool) {
		// bufio reassembles lines split across reads, including partial
		// multi-byte UTF-8 sequences, before anything is decoded.
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				if ev, ok := parseRecord(line, logger); ok {
					ev.Timestamp = clock.Now()
					if !yield(ev, nil) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(StreamedEvent{}, fmt.Errorf("reading stream: %w", err))
				}
				return
			}
		}
	}
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func parseRecord(line []byte, logger *slog.Logger) (StreamedEvent, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || !bytes.HasPrefix(line, dataPrefix) {
		return StreamedEvent{}, false
	}
	payload := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return StreamedEvent{}, false
	}

	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		logger.Warn("skipping malformed stream record", "error", err, "record", truncate(string(payload), 200))
		return StreamedEvent{}, false
	}
	if w.Type == "" {
		logger.Warn("skipping stream record without type", "record", truncate(string(payload), 200))
		return StreamedEvent{}, false
	}
	return StreamedEvent{Type: w.Type, Data: w.Data}, true
}

// truncate clips s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// State is the lifecycle of a Consumer.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateEndedWithoutCompletion
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateEndedWithoutCompletion:
		return "ended-without-completion"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventHandler receives each event synchronously, before the next read.
type EventHandler func(StreamedEvent)

// Consumer accumulates the events of one synthesis stream and extracts the
// terminal result. A Consumer is not safe for concurrent use.
type Consumer struct {
	clock  Clock
	logger *slog.Logger

	state   State
	events  []StreamedEvent
	current *StreamedEvent
	err     error
}

// NewConsumer creates an idle Consumer. A nil clock or logger uses the
// defaults.
func NewConsumer(clock Clock, logger *slog.Logger) *Consumer {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{clock: clock, logger: logger}
}

// Consume drains r. The stream is always read to the end, even after the
// complete event arrives.
func (c *Consumer) Consume(r io.Reader, handler EventHandler) (SynthesizeResponse, error) {
	c.state = StateStreaming

	var (
		final    json.RawMessage
		apiErr   *APIError
		readErr  error
		complete bool
	)
	for ev, err := range Events(r, c.clock, c.logger) {
		if err != nil {
			readErr = err
			break
		}
		c.events = append(c.events, ev)
		c.current = &c.events[len(c.events)-1]
		if handler != nil {
			handler(ev)
		}

		switch ev.Type {
		case EventComplete:
			final = ev.Data
			complete = true
		case EventError:
			if apiErr == nil {
				apiErr = decodeAPIError(ev.Data)
			}
		}
	}

	switch {
	case complete:
		var resp SynthesizeResponse
		if err := json.Unmarshal(final, &resp); err != nil {
			return c.fail(StateErrored, fmt.Errorf("decoding complete event: %w", err))
		}
		c.state = StateCompleted
		return resp, nil
	case readErr != nil:
		return c.fail(StateErrored, readErr)
	case apiErr != nil:
		return c.fail(StateErrored, apiErr)
	default:
		return c.fail(StateEndedWithoutCompletion, ErrIncompleteStream)
	}
}

func (c *Consumer) fail(s State, err error) (SynthesizeResponse, error) {
	c.state = s
	c.err = err
	return SynthesizeResponse{}, err
}

func decodeAPIError(data json.RawMessage) *APIError {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		// Some producers send the message as a bare string.
		var msg string
		if json.Unmarshal(data, &msg) == nil && msg != "" {
			return &APIError{Message: msg}
		}
		return &APIError{Message: "unknown error"}
	}
	msg := p.Message
	if msg == "" {
		msg = p.Error
	}
	if msg == "" {
		msg = "unknown error"
	}
	return &APIError{Message: msg, Code: p.Code, UpgradeRequired: p.UpgradeRequired}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State { return c.state }

// Events returns a copy of the events received so far, in arrival order.
func (c *Consumer) Events() []StreamedEvent {
	return append([]StreamedEvent(nil), c.events...)
}

// Current returns the most recent event.
func (c *Consumer) Current() (StreamedEvent, bool) {
	if c.current == nil {
		return StreamedEvent{}, false
	}
	return *c.current, true
}

// Err returns the failure captured by the last Consume, if any.
func (c *Consumer) Err() error { return c.err }

// Reset clears accumulated events and errors and returns to idle.
func (c *Consumer) Reset() {
	c.state = StateIdle
	c.events = nil
	c.current = nil
	c.err = nil
}
