// Package bridge implements the client side of the string-based native host
// bridge: request/response envelopes, synchronous calls, asynchronous calls
// resolved by out-of-band callbacks, and the transports that carry them.
package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/logger"
	"github.com/devicelab-dev/stepflow/pkg/metrics"
)

// DefaultAsyncTimeout is how long an async call waits for its callback before
// resolving with an empty successful response.
const DefaultAsyncTimeout = 30 * time.Second

// Transport carries a serialized request to the native host and returns the
// serialized response.
type Transport interface {
	Call(ctx context.Context, params string) (string, error)
}

// AsyncTransport can fire a request whose result arrives later as a callback.
type AsyncTransport interface {
	Transport
	CallAsync(ctx context.Context, params string) error
}

// CallbackSource is implemented by transports that receive callbacks
// themselves (e.g. over a websocket) and need somewhere to deliver them.
type CallbackSource interface {
	OnCallback(func(data string))
}

// Call holds the optional parts of a bridge request.
type Call struct {
	Args    interface{}
	Node    interface{}
	Nodes   interface{}
	Timeout time.Duration // async only; 0 uses the client default
}

// Caller invokes a bridge method. Client.Sync and Client.Async return Callers.
type Caller interface {
	Call(ctx context.Context, method string, call Call) (*Response, error)
}

// Client invokes native host methods over a Transport.
type Client struct {
	transport    Transport
	pending      *Pending
	asyncTimeout time.Duration
	metrics      *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithAsyncTimeout sets the default callback window for async calls.
func WithAsyncTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.asyncTimeout = d
		}
	}
}

// WithMetrics records call counts and latency.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client. If the transport is a CallbackSource its
// callbacks are routed to Dispatch.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport:    t,
		pending:      NewPending(),
		asyncTimeout: DefaultAsyncTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if src, ok := t.(CallbackSource); ok {
		src.OnCallback(func(data string) { c.Dispatch(data) })
	}
	return c
}

// Pending exposes the callback registry.
func (c *Client) Pending() *Pending {
	return c.pending
}

// Invoke performs a synchronous call.
func (c *Client) Invoke(ctx context.Context, method string, call Call) (*Response, error) {
	start := time.Now()
	params, err := Request{
		Method:    method,
		Arguments: call.Args,
		Node:      call.Node,
		Nodes:     call.Nodes,
	}.Encode()
	if err != nil {
		return nil, core.ErrCallFailed.WithCause(err)
	}

	raw, err := c.transport.Call(ctx, params)
	if err != nil {
		c.metrics.BridgeCall(method, "sync", "error", time.Since(start))
		return nil, core.ErrCallFailed.WithCause(err).WithDetails(map[string]interface{}{"method": method})
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		c.metrics.BridgeCall(method, "sync", "error", time.Since(start))
		return nil, err
	}
	c.metrics.BridgeCall(method, "sync", "ok", time.Since(start))
	return resp, nil
}

// InvokeAsync fires a call tagged with a fresh callback id and waits for the
// host to deliver the result through Dispatch. If nothing arrives within the
// timeout the waiter is evicted and an empty successful response is returned.
func (c *Client) InvokeAsync(ctx context.Context, method string, call Call) (*Response, error) {
	at, ok := c.transport.(AsyncTransport)
	if !ok {
		return nil, core.ErrCallFailed.WithMessage("transport does not support async calls")
	}

	start := time.Now()
	id := uuid.NewString()
	params, err := Request{
		Method:     method,
		Arguments:  call.Args,
		Node:       call.Node,
		Nodes:      call.Nodes,
		CallbackID: id,
	}.Encode()
	if err != nil {
		return nil, core.ErrCallFailed.WithCause(err)
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.asyncTimeout
	}

	ch := c.pending.Register(id)
	c.metrics.PendingCallbacks(c.pending.Len())
	defer func() {
		c.pending.Remove(id)
		c.metrics.PendingCallbacks(c.pending.Len())
	}()

	if err := at.CallAsync(ctx, params); err != nil {
		c.metrics.BridgeCall(method, "async", "error", time.Since(start))
		return nil, core.ErrCallFailed.WithCause(err).WithDetails(map[string]interface{}{"method": method})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		resp, err := ParseResponse(data)
		if err != nil {
			c.metrics.BridgeCall(method, "async", "error", time.Since(start))
			return nil, err
		}
		c.metrics.BridgeCall(method, "async", "ok", time.Since(start))
		return resp, nil
	case <-timer.C:
		logger.Warn("bridge: %s callback %s timed out after %v", method, id, timeout)
		c.metrics.BridgeCall(method, "async", "timeout", time.Since(start))
		return EmptyResponse(id), nil
	case <-ctx.Done():
		c.metrics.BridgeCall(method, "async", "error", time.Since(start))
		return nil, ctx.Err()
	}
}

// Dispatch routes a callback envelope to the waiter named by its callbackId.
// Returns false for envelopes without an id or with no waiter.
func (c *Client) Dispatch(data string) bool {
	id := gjson.Get(data, "callbackId").String()
	if id == "" {
		logger.Warn("bridge: callback without callbackId dropped")
		return false
	}
	if !c.pending.Resolve(id, data) {
		logger.Debug("bridge: no waiter for callback %s", id)
		return false
	}
	return true
}

// Sync returns a Caller backed by Invoke.
func (c *Client) Sync() Caller {
	return syncCaller{c}
}

// Async returns a Caller backed by InvokeAsync.
func (c *Client) Async() Caller {
	return asyncCaller{c}
}

// Close closes the transport if it holds resources.
func (c *Client) Close() error {
	if cl, ok := c.transport.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

type syncCaller struct{ c *Client }

func (s syncCaller) Call(ctx context.Context, method string, call Call) (*Response, error) {
	return s.c.Invoke(ctx, method, call)
}

type asyncCaller struct{ c *Client }

func (a asyncCaller) Call(ctx context.Context, method string, call Call) (*Response, error) {
	return a.c.InvokeAsync(ctx, method, call)
}
