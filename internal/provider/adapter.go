package provider

import (
	"context"
	"sync"

	"github.com/nugget/ikigai/internal/httpmulti"
)

// Transport is the subset of internal/httpmulti.Engine an Adapter
// drives requests through. Kept as an interface so tests can supply a
// fake engine without spinning up real goroutines.
type Transport interface {
	Submit(ctx context.Context, req httpmulti.Request) int64
	Completions() <-chan httpmulti.Completion
	CancelAll()
}

// streamState accumulates text and tool-call fragments across frames
// of one streaming transfer, since a single tool call's arguments can
// span many SSE events.
type streamState struct {
	text      string
	toolCalls []ContentBlock
	model     string
	usage     Usage
	finish    FinishReason
}

// wireAdapter is the per-provider serialization Adapter delegates to:
// building the outbound httpmulti.Request, decoding each streamed
// frame into a streamState, and assembling the final Response.
type wireAdapter interface {
	// buildRequest serializes req into an httpmulti.Request.
	buildRequest(req Request) (httpmulti.Request, error)
	// decodeFrame folds one streamed frame's payload into state and, if
	// it carries new plain text, forwards it to onText.
	decodeFrame(frame string, state *streamState, onText StreamCallback)
	// decodeFinal builds the final Response. For a non-streaming
	// request, body is the full response and state is nil. For a
	// streaming request, state holds everything accumulated by
	// decodeFrame and body is the concatenation of every frame seen
	// (provided for parity with the non-streaming path but normally
	// unused once state is populated).
	decodeFinal(body string, state *streamState) (*Response, error)
}

// Adapter abstracts one or more LLM providers behind Request/Response
// by forwarding to a shared Transport (normally internal/httpmulti.Engine)
// and serializing/deserializing through a per-provider wireAdapter.
type Adapter struct {
	transport Transport
	wires     map[string]wireAdapter

	mu         sync.Mutex
	pending    map[int64]*pendingRequest
	nextTicket int64
}

type pendingRequest struct {
	wire       wireAdapter
	completion CompletionCallback
	stream     *streamState
}

// New builds an Adapter over transport with no providers registered;
// callers add providers with Register.
func New(transport Transport) *Adapter {
	return &Adapter{
		transport: transport,
		wires:     make(map[string]wireAdapter),
		pending:   make(map[int64]*pendingRequest),
	}
}

// Register attaches a provider's wire implementation under name (e.g.
// "anthropic", "ollama"). Model-to-provider routing is the caller's
// concern — internal/usage.ResolveProvider already does this for cost
// accounting and the /model command reuses it — so Adapter itself is
// addressed by explicit provider name.
func (a *Adapter) Register(providerName string, w wireAdapter) {
	a.wires[providerName] = w
}

// StartRequest enqueues a non-streaming request for providerName.
func (a *Adapter) StartRequest(ctx context.Context, providerName string, req Request, completion CompletionCallback) (int64, error) {
	w, ok := a.wires[providerName]
	if !ok {
		return 0, unknownProviderError(providerName)
	}
	httpReq, err := w.buildRequest(req)
	if err != nil {
		return 0, err
	}
	return a.submit(ctx, httpReq, w, nil, completion), nil
}

// StartStream enqueues a streaming request for providerName. stream is
// invoked with plain decoded text chunks as they arrive; completion
// fires once, at the end, with the fully assembled Response.
func (a *Adapter) StartStream(ctx context.Context, providerName string, req Request, stream StreamCallback, completion CompletionCallback) (int64, error) {
	w, ok := a.wires[providerName]
	if !ok {
		return 0, unknownProviderError(providerName)
	}

	state := &streamState{}
	httpReq, err := w.buildRequest(req)
	if err != nil {
		return 0, err
	}
	httpReq.OnChunk = func(frame string) {
		w.decodeFrame(frame, state, stream)
	}

	return a.submit(ctx, httpReq, w, state, completion), nil
}

func (a *Adapter) submit(ctx context.Context, httpReq httpmulti.Request, w wireAdapter, state *streamState, completion CompletionCallback) int64 {
	// The request id is only known once Submit returns, but Submit
	// needs req.Context set to correlate the Completion back to this
	// pendingRequest. Reserve a ticket up front and carry it as Context
	// instead of the engine-assigned id.
	a.mu.Lock()
	a.nextTicket++
	ticket := a.nextTicket
	a.pending[ticket] = &pendingRequest{wire: w, completion: completion, stream: state}
	a.mu.Unlock()

	httpReq.Context = ticket
	a.transport.Submit(ctx, httpReq)
	return ticket
}

// Cancel tears down every in-flight request via the underlying
// transport's cancel-all; per-request cancellation is not part of the
// core contract.
func (a *Adapter) Cancel() {
	a.transport.CancelAll()
	a.mu.Lock()
	a.pending = make(map[int64]*pendingRequest)
	a.mu.Unlock()
}

// Completions exposes the underlying transport's completion channel
// directly, so the cooperative event loop can select on it alongside
// EventStore notifications and terminal input.
func (a *Adapter) Completions() <-chan httpmulti.Completion {
	return a.transport.Completions()
}

// InfoRead drains every completion currently queued, decodes each into
// a Response via its provider's wireAdapter, and invokes the matching
// completion callback. Non-blocking; returns the count processed.
func (a *Adapter) InfoRead() int {
	count := 0
	for {
		select {
		case c, ok := <-a.transport.Completions():
			if !ok {
				return count
			}
			a.deliver(c)
			count++
		default:
			return count
		}
	}
}

// Deliver decodes and dispatches one Completion received directly off
// the underlying transport's channel. It is the hook a cooperative event
// loop uses when it selects on Completions() itself (to merge that
// readiness with terminal input and coordination notifications in one
// select) rather than calling the non-blocking, drain-everything
// InfoRead.
func (a *Adapter) Deliver(c httpmulti.Completion) {
	a.deliver(c)
}

func (a *Adapter) deliver(c httpmulti.Completion) {
	ticket, _ := c.Context.(int64)
	a.mu.Lock()
	pr, ok := a.pending[ticket]
	if ok {
		delete(a.pending, ticket)
	}
	a.mu.Unlock()
	if !ok || pr.completion == nil {
		return
	}

	if c.Type != httpmulti.Success {
		pr.completion(nil, httpError(c))
		return
	}

	resp, err := pr.wire.decodeFinal(c.ResponseBody, pr.stream)
	pr.completion(resp, err)
}

func unknownProviderError(name string) error {
	return &Error{Message: "no provider registered for " + name}
}

func httpError(c httpmulti.Completion) error {
	msg := c.ErrorMessage
	if msg == "" {
		msg = "request failed"
	}
	return &Error{Message: msg, HTTPCode: c.HTTPCode}
}

// Error is returned for provider/transport failures that don't carry a
// decoded Response.
type Error struct {
	Message  string
	HTTPCode int
}

func (e *Error) Error() string { return e.Message }
