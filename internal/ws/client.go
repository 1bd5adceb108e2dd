// Package ws implements the socket transport for the sync engine: a
// request/response protocol over a persistent WebSocket connection, plus
// delivery of unsolicited server pushes.
//
// Requests are JSON objects with an "action" field, correlated to responses
// through a generated "req-id". Server-initiated messages reuse the req-id
// slot to carry a well-known push kind (push-updates, online-users-updated,
// push-asset-upload-updates) and are delivered on a separate channel.
//
// The package also exposes a StateTracker (deduplicated connection state)
// and a Provider that transparently redials after abnormal closures.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Errors surfaced by the client.
var (
	// ErrTimeout means the server did not answer a request within the
	// configured budget. Callers treat this as non-fatal for the process:
	// it should trigger a loop restart, not terminate the caller.
	ErrTimeout = errors.New("socket timeout waiting for response")

	// ErrClosed means the connection went away before the response arrived.
	ErrClosed = errors.New("connection closed")
)

// Config holds configuration for a Client.
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Token is attached to every request for authentication.
	Token string

	// RequestTimeout bounds how long Do waits for a response (default: 15s).
	RequestTimeout time.Duration

	// PushBuffer is the capacity of the push channel (default: 64).
	PushBuffer int

	// Tracker receives connection lifecycle transitions. If nil, a private
	// tracker is created.
	Tracker *StateTracker

	// Logger for transport activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// Client is one live socket connection.
//
// A Client is good until its connection drops; after that every pending and
// future request fails with ErrClosed and Pushes() is closed. Use a Provider
// to get transparent reconnection.
type Client struct {
	conn    *websocket.Conn
	cfg     Config
	logger  *log.Logger
	tracker *StateTracker

	pendingMu sync.Mutex
	pending   map[string]chan frame

	pushes chan Push

	done      chan struct{}
	closeOnce sync.Once
}

// Dial establishes a connection and starts the read pump.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ws: URL cannot be empty")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PushBuffer == 0 {
		cfg.PushBuffer = 64
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewStateTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}

	cfg.Tracker.Set(StateConnecting)

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		cfg.Tracker.Set(StateClosed)
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(32 << 20) // remote updates can carry large op batches

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger,
		tracker: cfg.Tracker,
		pending: make(map[string]chan frame),
		pushes:  make(chan Push, cfg.PushBuffer),
		done:    make(chan struct{}),
	}

	cfg.Tracker.Set(StateOpen)
	go c.readPump()

	return c, nil
}

// Tracker returns the connection-state tracker this client reports into.
func (c *Client) Tracker() *StateTracker {
	return c.tracker
}

// Pushes returns the channel of unsolicited server messages. The channel is
// closed when the connection dies.
func (c *Client) Pushes() <-chan Push {
	return c.pushes
}

// Done returns a channel closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the connection is still usable.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close performs a normal closure. Idempotent.
func (c *Client) Close() error {
	c.tracker.Set(StateClosing)
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.teardown()
	return err
}

// teardown marks the client dead exactly once: updates the tracker, fails
// pending requests, and closes the push channel.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.tracker.Set(StateClosed)
		close(c.done)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		close(c.pushes)
	})
}

// readPump routes incoming frames until the connection errors out.
func (c *Client) readPump() {
	defer c.teardown()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Printf("read error: %v", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Printf("dropping unparseable frame: %v", err)
			continue
		}

		if pushKinds[f.ReqID] {
			payload := f.Result
			if payload == nil {
				payload = json.RawMessage(data)
			}
			select {
			case c.pushes <- Push{Kind: f.ReqID, Payload: payload}:
			default:
				c.logger.Printf("push buffer full, dropping %s", f.ReqID)
			}
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[f.ReqID]
		if ok {
			delete(c.pending, f.ReqID)
		}
		c.pendingMu.Unlock()

		if !ok {
			c.logger.Printf("response for unknown req-id %s", f.ReqID)
			continue
		}
		ch <- f
		close(ch)
	}
}

// Do sends one request and waits for the correlated response.
//
// fields are merged into the request object alongside action, req-id, and
// the configured token. A response carrying ex-data is returned as a
// *ServerError. A missing response within the request timeout returns
// ErrTimeout.
func (c *Client) Do(ctx context.Context, action string, fields map[string]any) (json.RawMessage, error) {
	reqID := uuid.NewString()

	req := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		req[k] = v
	}
	req["req-id"] = reqID
	req["action"] = action
	if c.cfg.Token != "" {
		req["token"] = c.cfg.Token
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", action, err)
	}

	respCh := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err = c.conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to send %s request: %w", action, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("%s: %w", action, ErrClosed)
		}
		if len(f.ExData) > 0 {
			return nil, &ServerError{Action: action, Data: f.ExData}
		}
		return f.Result, nil

	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("%s: %w", action, ErrTimeout)

	case <-c.done:
		cleanup()
		return nil, fmt.Errorf("%s: %w", action, ErrClosed)

	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}
