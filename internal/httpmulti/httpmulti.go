// Package httpmulti implements HttpMultiEngine: a cooperative,
// multiplexed HTTP client that advances many in-flight provider
// requests under one event loop. Each request runs on its own
// goroutine and feeds bytes to an SSE (or NDJSON) parser; completions
// are delivered over a single channel, the one place the cooperative
// event loop blocks. See DESIGN.md's "HttpMultiEngine: curl-multi → Go
// translation" note for the fdset/perform/timeout/info_read contract
// this replaces while keeping the same semantics: non-blocking
// submission, streaming callback, completion callback, cancel-all,
// completion-order-not-submission-order.
package httpmulti

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Framing selects how a streaming response body is split into frames
// before each frame's payload is handed to a Request's OnChunk. Wire
// framing is an industry-standard detail (SSE, NDJSON); only this
// selection point belongs to the engine's contract.
type Framing int

const (
	// FramingNone means the body is read fully, non-streamed.
	FramingNone Framing = iota
	// FramingSSE splits on "data: " lines per the Server-Sent Events
	// convention, stopping at a literal "[DONE]" payload without
	// forwarding it as a frame.
	FramingSSE
	// FramingNDJSON splits on newlines; each non-empty line is one frame.
	FramingNDJSON
)

// CompletionType categorizes how a transfer finished.
type CompletionType int

const (
	// Success is any 2xx response.
	Success CompletionType = iota
	// ClientError is any 4xx response.
	ClientError
	// ServerError is any 5xx response.
	ServerError
	// NetworkError is a transport failure or an out-of-range status.
	NetworkError
)

// Completion is the record built when a transfer finishes.
type Completion struct {
	Type         CompletionType
	HTTPCode     int
	ResponseBody string
	ResponseLen  int
	ErrorMessage string
	// Context is the opaque value the caller attached to the request at
	// Submit time, returned unchanged for correlation.
	Context any
}

// Request describes one HTTP transfer to drive through the engine.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// Framing selects how the response body is split into frames during
	// streaming. Ignored if OnChunk is nil.
	Framing Framing
	// OnChunk, if non-nil, is invoked with each frame's payload as it
	// arrives, in arrival order. It receives the frame text as parsed
	// from the wire (an SSE data payload or an NDJSON line), not raw
	// bytes and not provider-decoded content — decoding that payload
	// into model text is ProviderAdapter's concern.
	OnChunk func(frame string)
	// Context is carried through to the Completion unchanged, for
	// request correlation by the caller (ProviderAdapter).
	Context any
}

// Engine drives many concurrent HTTP transfers, delivering each
// Completion over a single channel as transfers finish — completion
// order follows transfer completion order, not submission order.
type Engine struct {
	client      *http.Client
	completions chan Completion

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	nextID  int64
	active  atomic.Int64
}

// New builds an Engine driving transfers with client.
func New(client *http.Client) *Engine {
	return &Engine{
		client:      client,
		completions: make(chan Completion, 64),
		cancels:     make(map[int64]context.CancelFunc),
	}
}

// Completions is the channel the cooperative event loop selects on —
// the Go substitute for fdset/perform/info_read: there remains exactly
// one place in the program that blocks on transfer progress.
func (e *Engine) Completions() <-chan Completion {
	return e.completions
}

// ActiveCount returns the number of transfers currently in flight.
func (e *Engine) ActiveCount() int {
	return int(e.active.Load())
}

// Submit attaches req to the engine's set of active transfers and
// returns immediately; the transfer advances on its own goroutine and
// delivers its Completion asynchronously. ctx governs the whole
// transfer, including any streaming read.
func (e *Engine) Submit(ctx context.Context, req Request) int64 {
	reqCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.cancels[id] = cancel
	e.mu.Unlock()

	e.active.Add(1)
	go e.run(reqCtx, id, req)

	return id
}

// CancelAll removes every active transfer without invoking completion
// callbacks; their resources are released via the request goroutines'
// own defers as the canceled context unblocks any pending read. Use on
// shutdown; individual cancellation is not part of the core contract.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for id, cancel := range e.cancels {
		cancels = append(cancels, cancel)
		delete(e.cancels, id)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context, id int64, req Request) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
		e.active.Add(-1)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, requestBody(req.Body))
	if err != nil {
		e.deliver(ctx, id, Completion{
			Type:         NetworkError,
			ErrorMessage: err.Error(),
			Context:      req.Context,
		})
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return // canceled; no completion delivered
		}
		e.deliver(ctx, id, Completion{
			Type:         NetworkError,
			ErrorMessage: err.Error(),
			Context:      req.Context,
		})
		return
	}
	defer resp.Body.Close()

	var body strings.Builder
	if req.OnChunk != nil && req.Framing != FramingNone {
		if err := scanFrames(resp.Body, req.Framing, func(frame string) {
			req.OnChunk(frame)
			body.WriteString(frame)
		}); err != nil && ctx.Err() == nil {
			e.deliver(ctx, id, Completion{
				Type:         NetworkError,
				ErrorMessage: err.Error(),
				Context:      req.Context,
			})
			return
		}
	} else {
		data, err := io.ReadAll(resp.Body)
		if err != nil && ctx.Err() == nil {
			e.deliver(ctx, id, Completion{
				Type:         NetworkError,
				ErrorMessage: err.Error(),
				Context:      req.Context,
			})
			return
		}
		body.Write(data)
	}

	if ctx.Err() != nil {
		return // canceled mid-stream; no completion delivered
	}

	e.deliver(ctx, id, classify(resp.StatusCode, body.String(), req.Context))
}

func classify(code int, body string, reqCtx any) Completion {
	c := Completion{
		HTTPCode:     code,
		ResponseBody: body,
		ResponseLen:  len(body),
		Context:      reqCtx,
	}
	switch {
	case code >= 200 && code < 300:
		c.Type = Success
	case code >= 400 && code < 500:
		c.Type = ClientError
		c.ErrorMessage = httpErrorMessage(code)
	case code >= 500 && code < 600:
		c.Type = ServerError
		c.ErrorMessage = httpErrorMessage(code)
	default:
		c.Type = NetworkError
		c.ErrorMessage = httpErrorMessage(code)
	}
	return c
}

func httpErrorMessage(code int) string {
	return "HTTP " + strconv.Itoa(code) + " error"
}

// deliver sends c on the completions channel unless ctx was canceled
// first, in which case the transfer was removed by CancelAll and no
// completion callback fires for it.
func (e *Engine) deliver(ctx context.Context, id int64, c Completion) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	select {
	case e.completions <- c:
	case <-ctx.Done():
	}
}

func requestBody(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return strings.NewReader(string(b))
}

// scanFrames splits r into frames per framing and invokes onFrame for
// each, in arrival order: SSE "data: " lines with a "[DONE]"
// terminator, or NDJSON's one-object-per-line streaming decode
// loop (one JSON object per line, no prefix).
func scanFrames(r io.Reader, framing Framing, onFrame func(frame string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch framing {
		case FramingSSE:
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			if data == "[DONE]" {
				return nil
			}
			if data == "" {
				continue
			}
			onFrame(data)

		case FramingNDJSON:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			onFrame(line)
		}
	}
	return scanner.Err()
}
