package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

func newTestClient(t *testing.T, serverURL string, maxRetries int) *Client {
	t.Helper()
	c := NewClient(Config{
		APIKey:     "test-key",
		BaseURL:    serverURL,
		Model:      "gemini-2.0-flash",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
	}, semaphore.NewWeighted(1), zap.NewNop())
	c.sleep = func(time.Duration) {}
	return c
}

func candidateBody(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query: %s", r.URL.String())
		}
		fmt.Fprint(w, candidateBody("SELECT 1"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	got, err := c.Complete(context.Background(), "question")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "SELECT 1" {
		t.Errorf("Complete = %q, want SELECT 1", got)
	}
}

func TestComplete_MissingAPIKey(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	if _, err := c.Complete(context.Background(), "q"); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestComplete_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	if _, err := c.Complete(context.Background(), "q"); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestComplete_RetriesOn429ThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, candidateBody("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	got, err := c.Complete(context.Background(), "q")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" {
		t.Errorf("Complete = %q, want ok", got)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestComplete_ExhaustsRetryBudget(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.Complete(context.Background(), "q")
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if svcErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", svcErr.StatusCode)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestComplete_NonRetryableStatusFailsImmediately(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	if _, err := c.Complete(context.Background(), "q"); err == nil {
		t.Fatal("expected error for 400")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoff(t *testing.T) {
	initial := 1500 * time.Millisecond
	ceiling := 15 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1500 * time.Millisecond},
		{1, 3 * time.Second},
		{2, 6 * time.Second},
		{3, 12 * time.Second},
		{4, 15 * time.Second},
		{10, 15 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, initial, ceiling); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"route": "normal_intent"}`, `{"route": "normal_intent"}`, true},
		{"Here you go:\n```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"no json here", "", false},
		{"", "", false},
		{"}{", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractJSONObject(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ExtractJSONObject(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
