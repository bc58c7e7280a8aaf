package unifiedllm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProviderAdapter is the interface every provider backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a request and returns a channel of stream events. The
	// channel is closed after a StreamFinish or StreamError event.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client holds registered provider adapters, routes requests by provider
// identifier, and applies middleware to blocking calls. Opening a stream is
// retried separately through streamRetry.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamRetry     *RetryPolicy
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client. The first registered
// middleware is the outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamRetry retries failures to open a stream with policy. Errors
// delivered on an open stream are not retried.
func WithStreamRetry(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.streamRetry = &policy
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}

	// Apply middleware in reverse order so first registered runs first.
	c.mu.RLock()
	chain := append([]Middleware(nil), c.middleware...)
	c.mu.RUnlock()
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Stream sends a streaming request to the resolved provider. Middleware is
// not applied to streams; the stream-open call is retried when the client
// has a stream retry policy.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	if c.streamRetry == nil {
		return adapter.Stream(ctx, req)
	}
	return Retry(ctx, *c.streamRetry, func(ctx context.Context) (<-chan StreamEvent, error) {
		return adapter.Stream(ctx, req)
	})
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Collect drains a stream and returns the aggregated response. onDelta, if
// non-nil, observes every text delta in arrival order.
func Collect(ctx context.Context, events <-chan StreamEvent, onDelta func(string)) (*Response, error) {
	var text strings.Builder
	var calls []ToolCall
	var usage Usage
	for {
		select {
		case <-ctx.Done():
			return nil, &AbortError{SDKError: SDKError{Message: "stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				if text.Len() == 0 && len(calls) == 0 {
					return nil, &NetworkError{SDKError: SDKError{Message: "stream closed without a finish event"}}
				}
				return &Response{
					Message:      AssistantMessage(text.String(), calls...),
					FinishReason: finishFor(calls),
					Usage:        usage,
					CreatedAt:    time.Now(),
				}, nil
			}
			switch ev.Type {
			case TextDelta:
				text.WriteString(ev.Delta)
				if onDelta != nil {
					onDelta(ev.Delta)
				}
			case ToolCallEnd:
				if ev.ToolCall != nil {
					calls = append(calls, *ev.ToolCall)
				}
			case StreamError:
				return nil, ev.Error
			case StreamFinish:
				if ev.Response != nil {
					return ev.Response, nil
				}
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				return &Response{
					Message:      AssistantMessage(text.String(), calls...),
					FinishReason: finishFor(calls),
					Usage:        usage,
					CreatedAt:    time.Now(),
				}, nil
			}
		}
	}
}

func finishFor(calls []ToolCall) FinishReason {
	if len(calls) > 0 {
		return FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}
	return FinishReason{Reason: "stop", Raw: "stop"}
}
