package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/gateway"
)

const (
	// mcpProtocolVersion is the MCP revision the handshake advertises.
	mcpProtocolVersion = "2024-11-05"

	// DefaultCallTimeout bounds one tool call end to end.
	DefaultCallTimeout = 60 * time.Second
)

// Config holds the credentials for the lark-mcp bridge.
type Config struct {
	AppID     string
	AppSecret string
	Domain    string
	OAuth     bool
}

// Client is an MCP client over one lark-mcp subprocess. A dead
// subprocess is respawned with exponential backoff on the next call.
type Client struct {
	cfg Config
	log zerolog.Logger

	// newTransport is swapped out by tests.
	newTransport func() (Transport, error)

	mu        sync.Mutex
	transport Transport
}

// NewClient builds a client. No subprocess is started until the first
// call (or an explicit Start).
func NewClient(cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		cfg: cfg,
		log: log.With().Str("component", "lark").Logger(),
	}
	c.newTransport = func() (Transport, error) {
		return newProcTransport(spawnCommand(cfg.AppID, cfg.AppSecret, cfg.Domain, cfg.OAuth), c.log)
	}
	return c
}

// NewClientWithTransport wires a pre-built transport; used by tests.
func NewClientWithTransport(t Transport, log zerolog.Logger) *Client {
	return &Client{
		log:          log.With().Str("component", "lark").Logger(),
		newTransport: func() (Transport, error) { return t, nil },
	}
}

// Start spawns the subprocess and runs the initialize handshake,
// retrying with backoff while npx downloads or the server warms up.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return nil
	}
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		t, err := c.newTransport()
		if err != nil {
			return err
		}
		if err := c.handshake(ctx, t); err != nil {
			_ = t.Close()
			return err
		}
		c.transport = t
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) handshake(ctx context.Context, t Transport) error {
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := t.Call(hctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "autolark", "version": "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	if err := t.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}
	c.log.Debug().Msg("lark-mcp handshake complete")
	return nil
}

// Close terminates the subprocess if one is running.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// toolResult is the MCP tools/call envelope: results arrive as a
// content array whose first element carries the API response as text.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

// larkEnvelope is the Lark open-platform response wrapper inside the
// tool text. A non-zero code is an API error.
type larkEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// CallTool invokes one lark-mcp tool and returns the data portion of
// the Lark response. A transport failure tears down the subprocess so
// the next call respawns it.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.transport == nil {
		if err := c.startLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	t := c.transport
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	raw, err := t.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		if gateway.KindOf(err) == gateway.KindTransient {
			c.mu.Lock()
			if c.transport == t {
				_ = t.Close()
				c.transport = nil
			}
			c.mu.Unlock()
		}
		return nil, err
	}

	var result toolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, gateway.Wrap(gateway.KindTransient, "lark."+name,
			fmt.Errorf("failed to decode tool result: %w", err))
	}
	if len(result.Content) == 0 || result.Content[0].Type != "text" {
		if result.IsError {
			return nil, gateway.New(gateway.KindInvalidRequest, "lark."+name, "tool reported an error with no detail")
		}
		return nil, nil
	}

	text := result.Content[0].Text
	var envelope larkEnvelope
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		// Some tools answer with plain text rather than the envelope.
		if result.IsError {
			return nil, gateway.New(gateway.KindInvalidRequest, "lark."+name, truncateText(text, 512))
		}
		return json.RawMessage(text), nil
	}
	if envelope.Code != 0 {
		return nil, &gateway.Error{
			Kind:    classifyLarkCode(envelope.Code),
			Op:      "lark." + name,
			Message: fmt.Sprintf("lark api error %d: %s", envelope.Code, envelope.Msg),
		}
	}
	if len(envelope.Data) > 0 {
		return envelope.Data, nil
	}
	return json.RawMessage(text), nil
}

// classifyLarkCode maps Lark open-platform error codes onto the shared
// taxonomy. 99991663/99991668 are token errors, 99991400 is the rate
// limiter, 1254043/1254040 are missing record/table.
func classifyLarkCode(code int) gateway.Kind {
	switch {
	case code >= 99991661 && code <= 99991668:
		return gateway.KindUnauthorized
	case code == 99991400:
		return gateway.KindRateLimited
	case code == 1254043 || code == 1254040 || code == 1254005:
		return gateway.KindNotFound
	default:
		return gateway.KindInvalidRequest
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
