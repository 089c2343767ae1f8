package httpmulti

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func drain(t *testing.T, e *Engine, n int, timeout time.Duration) []Completion {
	t.Helper()
	out := make([]Completion, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case c := <-e.Completions():
			out = append(out, c)
		case <-deadline:
			t.Fatalf("timed out waiting for %d completions, got %d", n, len(out))
		}
	}
	return out
}

func TestEngineSuccessAndClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("data: foo\n\n"))
			w.Write([]byte("data: [DONE]\n\n"))
		case "/ratelimited":
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	e := New(srv.Client())

	var chunks []string
	e.Submit(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL + "/ok",
		Framing: FramingSSE,
		OnChunk: func(frame string) { chunks = append(chunks, frame) },
		Context: "r1",
	})
	e.Submit(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL + "/ratelimited",
		Context: "r2",
	})

	completions := drain(t, e, 2, 2*time.Second)

	byCtx := map[any]Completion{}
	for _, c := range completions {
		byCtx[c.Context] = c
	}

	r1 := byCtx["r1"]
	if r1.Type != Success || r1.HTTPCode != 200 {
		t.Fatalf("r1 = %+v, want Success/200", r1)
	}
	if r1.ResponseBody != "foo" {
		t.Fatalf("r1 body = %q, want %q", r1.ResponseBody, "foo")
	}
	if len(chunks) != 1 || chunks[0] != "foo" {
		t.Fatalf("chunks = %v, want [foo]", chunks)
	}

	r2 := byCtx["r2"]
	if r2.Type != ClientError || r2.HTTPCode != 429 {
		t.Fatalf("r2 = %+v, want ClientError/429", r2)
	}
	if r2.ErrorMessage == "" {
		t.Fatalf("r2 ErrorMessage empty, want HTTP 429 error")
	}

	if got := e.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount = %d, want 0", got)
	}
}

func TestEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(srv.Client())
	e.Submit(context.Background(), Request{Method: http.MethodGet, URL: srv.URL, Context: "x"})

	c := drain(t, e, 1, 2*time.Second)[0]
	if c.Type != ServerError || c.HTTPCode != 500 {
		t.Fatalf("completion = %+v, want ServerError/500", c)
	}
}

func TestEngineNetworkError(t *testing.T) {
	e := New(http.DefaultClient)
	e.Submit(context.Background(), Request{Method: http.MethodGet, URL: "http://127.0.0.1:1", Context: "x"})

	c := drain(t, e, 1, 2*time.Second)[0]
	if c.Type != NetworkError {
		t.Fatalf("completion.Type = %v, want NetworkError", c.Type)
	}
}

func TestEngineCancelAllSuppressesCompletions(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	e := New(srv.Client())
	e.Submit(context.Background(), Request{Method: http.MethodGet, URL: srv.URL, Context: "x"})

	// Give the goroutine a moment to reach client.Do before canceling.
	time.Sleep(20 * time.Millisecond)
	e.CancelAll()

	select {
	case c := <-e.Completions():
		t.Fatalf("expected no completion after CancelAll, got %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineNDJSONFraming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{\"a\":1}\n"))
		w.Write([]byte("{\"a\":2}\n"))
	}))
	defer srv.Close()

	e := New(srv.Client())
	var frames []string
	e.Submit(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Framing: FramingNDJSON,
		OnChunk: func(f string) { frames = append(frames, f) },
		Context: "x",
	})

	drain(t, e, 1, 2*time.Second)
	if len(frames) != 2 {
		t.Fatalf("frames = %v, want 2 entries", frames)
	}
}
