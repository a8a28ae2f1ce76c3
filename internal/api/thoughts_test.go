package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scatterbrain-app/scatterbrain/internal/capture"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/worker"
)

func captureText(t *testing.T, h http.Handler, body string) ThoughtView {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/thoughts", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("capture status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var v ThoughtView
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCaptureThought_Text(t *testing.T) {
	deps, store := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	v := captureText(t, h, `{"text":"  podcast idea: interviews with slow builders  "}`)
	if v.ID == "" || v.Status != storage.ThoughtCaptured || v.InputMethod != "text" {
		t.Errorf("view = %+v", v)
	}
	if v.Content != "podcast idea: interviews with slow builders" {
		t.Errorf("Content = %q", v.Content)
	}

	th, err := store.GetThought(DefaultUserID, v.ID)
	if err != nil {
		t.Fatalf("GetThought: %v", err)
	}
	if th.Title != "podcast idea: interviews with slow builders" {
		t.Errorf("Title = %q", th.Title)
	}
}

func TestCaptureThought_VoiceNeedsUpgrade(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/thoughts", `{"text":"dictated","inputMethod":"voice"}`, testToken))
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rr.Code)
	}
}

func TestCaptureThought_Empty(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/thoughts", `{"text":"   "}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCaptureThought_File(t *testing.T) {
	deps, store := newTestDeps(t, &fakeEngine{})
	if err := store.UpsertProfile(storage.Profile{UserID: DefaultUserID, Tier: "pro"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	h := NewHandler(deps)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "ideas.md")
	fw.Write([]byte("# Ideas\nship weekly\n"))
	mw.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/thoughts", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var v ThoughtView
	json.NewDecoder(rr.Body).Decode(&v)
	if v.Title != "ideas" || v.InputMethod != "file" || v.Source != "ideas.md" {
		t.Errorf("view = %+v", v)
	}
}

func TestCaptureThought_URL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>On Focus</title></head><body><p>Fewer, better things.</p></body></html>`)
	}))
	t.Cleanup(page.Close)

	deps, _ := newTestDeps(t, &fakeEngine{})
	deps.Capturer = capture.New(capture.AllowPrivateNetworks())
	h := NewHandler(deps)

	v := captureText(t, h, fmt.Sprintf(`{"url":%q}`, page.URL))
	if v.Title != "On Focus" || v.InputMethod != "url" || v.Content != "Fewer, better things." {
		t.Errorf("view = %+v", v)
	}
}

func TestThoughts_ListGetDelete(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	first := captureText(t, h, `{"text":"first"}`)
	captureText(t, h, `{"text":"second"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/thoughts?limit=10", "", testToken))
	var list []ThoughtView
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/thoughts/"+first.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	// Another user cannot see it.
	rr = httptest.NewRecorder()
	req := authReq(http.MethodGet, "/api/thoughts/"+first.ID, "", testToken)
	req.Header.Set("X-User-ID", "mallory")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("other user get status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/api/thoughts/"+first.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/api/thoughts/"+first.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestQueueSynthesis_WorkerCompletes(t *testing.T) {
	deps, store := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	v := captureText(t, h, `{"text":"a thought worth expanding"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/thoughts/"+v.ID+"/synthesize", `{"features":{"generateContent":true},"preferences":{"platforms":["twitter"]}}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("queue status = %d, body = %s", rr.Code, rr.Body.String())
	}

	th, _ := store.GetThought(DefaultUserID, v.ID)
	if th.Status != storage.ThoughtQueued {
		t.Errorf("status after queue = %q", th.Status)
	}

	w := worker.NewWorker(store, deps.Pipeline, 0)
	if did, err := w.RunOnce(t.Context()); err != nil || !did {
		t.Fatalf("RunOnce = %v, %v", did, err)
	}

	th, _ = store.GetThought(DefaultUserID, v.ID)
	if th.Status != storage.ThoughtSynthesized || th.SynthesisID == "" {
		t.Fatalf("thought after worker = %+v", th)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/thoughts/"+v.ID+"/suggestions", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("suggestions status = %d", rr.Code)
	}
	var suggestions []SuggestionView
	json.NewDecoder(rr.Body).Decode(&suggestions)
	if len(suggestions) != 1 || suggestions[0].Platform != "twitter" || len(suggestions[0].Hashtags) != 1 {
		t.Errorf("suggestions = %+v", suggestions)
	}
}

func TestQueueSynthesis_DeepNeedsUpgrade(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)
	v := captureText(t, h, `{"text":"x"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/thoughts/"+v.ID+"/synthesize", `{"preferences":{"insightDepth":"deep"}}`, testToken))
	if rr.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rr.Code)
	}
}

func TestSuggestions_NotSynthesized(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)
	v := captureText(t, h, `{"text":"x"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/thoughts/"+v.ID+"/suggestions", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestCaptureThought_URLErrorsStayGeneric(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"loopback", `{"url":"http://127.0.0.1:1/internal"}`, http.StatusUnprocessableEntity},
		{"metadata address", `{"url":"http://169.254.169.254/latest/meta-data/"}`, http.StatusUnprocessableEntity},
		{"bad scheme", `{"url":"file:///etc/passwd"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/api/thoughts", tt.body, testToken))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			body := rr.Body.String()
			for _, leak := range []string{"127.0.0.1", "169.254", "dial", "connect", "passwd"} {
				if strings.Contains(body, leak) {
					t.Errorf("body leaks %q: %s", leak, body)
				}
			}
		})
	}
}

func TestStorageErrorsStayGeneric(t *testing.T) {
	deps, store := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)
	th := captureText(t, h, `{"text":"keep me"}`)
	store.Close()

	for _, path := range []string{"/api/thoughts", "/api/thoughts/" + th.ID, "/api/usage", "/api/trending"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, path, "", testToken))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("%s: status = %d, want 500", path, rr.Code)
		}
		body := rr.Body.String()
		if strings.Contains(body, "sql") || strings.Contains(body, "closed") {
			t.Errorf("%s: body leaks storage detail: %s", path, body)
		}
	}
}
