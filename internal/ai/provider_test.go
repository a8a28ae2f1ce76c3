package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
)

const chatCompletionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"ok\":true}"}}],
  "usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
}`

func TestChatProvider_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatCompletionBody))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Options: []option.RequestOption{option.WithMaxRetries(0)}})
	res, err := p.Complete(context.Background(), Request{
		System:      "you are terse",
		Prompt:      "hello",
		Temperature: 0.7,
		MaxTokens:   100,
		Schema:      Schema[strictDoc](),
		SchemaName:  "doc",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != `{"ok":true}` || res.TokensUsed != 12 || res.Provider != OpenAI {
		t.Errorf("result = %+v", res)
	}

	if got["model"] != defaultOpenAIModel {
		t.Errorf("model = %v", got["model"])
	}
	if msgs, _ := got["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v", got["messages"])
	}
	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Errorf("response_format = %v", got["response_format"])
	}
}

func TestPerplexity_NoStructuredOutput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatCompletionBody))
	}))
	defer srv.Close()

	p := NewPerplexity(OpenAIConfig{APIKey: "pplx", BaseURL: srv.URL + "/", Options: []option.RequestOption{option.WithMaxRetries(0)}})
	if _, err := p.Complete(context.Background(), Request{Prompt: "hi", Schema: Schema[strictDoc]()}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := got["response_format"]; ok {
		t.Errorf("perplexity request carried response_format: %v", got["response_format"])
	}
	if got["model"] != defaultPerplexityModel {
		t.Errorf("model = %v", got["model"])
	}
}

func TestChatProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/", Options: []option.RequestOption{option.WithMaxRetries(0)}})
	_, err := p.Complete(context.Background(), Request{Prompt: "hi"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
}

func TestAnthropic_Complete(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != defaultAnthropicVersion {
			t.Errorf("headers = %v", r.Header)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"claude","content":[{"type":"text","text":"{\"a\":"},{"type":"text","text":"1}"}],"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	p := NewAnthropic(AnthropicConfig{APIKey: "ak", BaseURL: srv.URL})
	res, err := p.Complete(context.Background(), Request{System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != `{"a":1}` || res.TokensUsed != 7 {
		t.Errorf("result = %+v", res)
	}
	if got.System != "sys" || got.MaxTokens != 2000 || len(got.Messages) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestAnthropic_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropic(AnthropicConfig{APIKey: "ak", BaseURL: srv.URL}).Complete(context.Background(), Request{Prompt: "hi"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests || se.Message != "slow down" {
		t.Errorf("err = %v", err)
	}
}

func TestNew_Selection(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("empty config err = %v, want ErrNoProvider", err)
	}

	p, err := New(Config{Provider: "anthropic", OpenAIKey: "o", AnthropicKey: "a"})
	if err != nil || p.Name() != Anthropic {
		t.Errorf("preferred provider = %v, %v", p, err)
	}

	p, err = New(Config{Provider: "anthropic", PerplexityKey: "p"})
	if err != nil || p.Name() != Perplexity {
		t.Errorf("fallback provider = %v, %v", p, err)
	}
}
