package ws

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Provider hands out a live Client, redialing transparently when the
// previous connection died. Abnormal closures never surface to callers as
// errors; Acquire simply blocks (with capped exponential backoff) until a
// connection is established or the context is cancelled.
type Provider struct {
	cfg    Config
	logger *log.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	mu  sync.Mutex
	cur *Client
}

// NewProvider creates a provider. The config's Tracker is shared across all
// connections the provider dials, so observers see one continuous state
// stream across reconnects.
func NewProvider(cfg Config) *Provider {
	if cfg.Tracker == nil {
		cfg.Tracker = NewStateTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}
	return &Provider{
		cfg:        cfg,
		logger:     cfg.Logger,
		backoffMin: 500 * time.Millisecond,
		backoffMax: 30 * time.Second,
	}
}

// Tracker returns the shared connection-state tracker.
func (p *Provider) Tracker() *StateTracker {
	return p.cfg.Tracker
}

// Acquire returns the current live client, dialing a new one if needed.
func (p *Provider) Acquire(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil && p.cur.Alive() {
		return p.cur, nil
	}

	backoff := p.backoffMin
	for {
		c, err := Dial(ctx, p.cfg)
		if err == nil {
			p.cur = c
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.logger.Printf("dial failed, retrying in %s: %v", backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > p.backoffMax {
			backoff = p.backoffMax
		}
	}
}

// AcquirePushes returns the push channel of a live connection. The channel
// closes when that connection dies; call again to reconnect and resume.
func (p *Provider) AcquirePushes(ctx context.Context) (<-chan Push, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c.Pushes(), nil
}

// Close shuts down the current connection, if any.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return nil
	}
	err := p.cur.Close()
	p.cur = nil
	return err
}
