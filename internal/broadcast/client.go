package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// ClientConfig configures a broadcast channel client.
type ClientConfig struct {
	// URL is the websocket endpoint of the shared presence channel.
	URL string
	// Token is the bearer session token presented on upgrade.
	Token string
	// OnEvent receives every channel event, starting with the sync
	// snapshot after each (re)connect.
	OnEvent func(Event)
	Logger  *zap.Logger
}

// Client maintains a subscription to the shared channel, resubscribing
// with capped exponential backoff whenever the connection drops. While
// disconnected no leave is synthesized locally: the durable store remains
// the fallback signal, so a reconnect gap must not flip anyone offline.
type Client struct {
	url     string
	token   string
	onEvent func(Event)
	logger  *zap.Logger
	members *Memberships

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClient constructs a channel client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Client{
		url:       cfg.URL,
		token:     cfg.Token,
		onEvent:   onEvent,
		logger:    logger,
		members:   NewMemberships(),
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
}

// Members exposes the client's local view of channel membership, reseeded
// from the server's sync snapshot on every reconnect.
func (c *Client) Members() *Memberships {
	return c.members
}

// Run blocks until ctx is cancelled, holding the subscription open and
// reconnecting as needed. Errors are never fatal; the worst outcome of a
// flaky channel is a stale status, which downstream tolerates.
func (c *Client) Run(ctx context.Context) {
	delay := c.baseDelay
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Debug("broadcast channel disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return err
	}
	defer ws.Close()

	// The previous connection's view is stale; the sync snapshot reseeds it.
	c.members.Reset()

	// The watcher must not outlive this connection, so it unblocks on
	// connDone as well as on session cancellation.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-connDone:
		}
	}()

	for {
		var event Event
		if err := ws.ReadJSON(&event); err != nil {
			return err
		}
		c.apply(event)
		c.onEvent(event)
	}
}

// apply folds an event into the local membership view. Wire events are
// already collapsed per user (a leave is only broadcast for a user's last
// session), so entries are keyed by user id.
func (c *Client) apply(event Event) {
	switch event.Type {
	case EventSync:
		c.members.Reset()
		for _, member := range event.Members {
			c.members.Join(member.UserID, member.UserID, member.JoinedAt)
		}
	case EventJoin:
		if event.Member != nil {
			c.members.Join(event.Member.UserID, event.Member.UserID, event.Member.JoinedAt)
		}
	case EventLeave:
		if event.Member != nil {
			c.members.Leave(event.Member.UserID, event.Member.UserID)
		}
	}
}
