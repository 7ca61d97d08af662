// Package agent runs one user session against a remote presence service:
// a heartbeat emitter writing through the HTTP API and a subscription to
// the shared broadcast channel. It is the client half of the subsystem;
// the service half lives in internal/server.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/artrio/presence-backend/internal/broadcast"
	"github.com/artrio/presence-backend/internal/heartbeat"
	"go.uber.org/zap"
)

// Config describes one agent session.
type Config struct {
	// ServerURL is the presence service base URL, e.g. http://host:8080.
	ServerURL string
	UserID    string
	Interval  time.Duration
	Logger    *zap.Logger
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Agent owns the session lifecycle: login, heartbeat loop, channel
// subscription, and the best-effort offline write on shutdown.
type Agent struct {
	serverURL string
	userID    string
	interval  time.Duration
	logger    *zap.Logger
	client    *http.Client

	token   string
	emitter *heartbeat.Emitter
	channel *broadcast.Client
}

// New constructs an agent.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fmt.Errorf("agent: server url required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("agent: user id required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Agent{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		userID:    cfg.UserID,
		interval:  interval,
		logger:    logger.With(zap.String("user_id", cfg.UserID)),
		client:    client,
	}, nil
}

// Run logs in and holds the session open until ctx is cancelled, then
// stops the emitter (emitting the best-effort offline write) before
// unsubscribing from the channel.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.login(ctx); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	emitter, err := heartbeat.NewEmitter(heartbeat.EmitterConfig{
		UserID:   a.userID,
		Store:    &httpPresenceWriter{agent: a},
		Accounts: &httpAccountChecker{agent: a},
		Interval: a.interval,
		Logger:   a.logger,
	})
	if err != nil {
		cancel()
		return err
	}
	a.emitter = emitter

	wsURL := "ws" + strings.TrimPrefix(a.serverURL, "http") + "/ws/presence?token=" + a.token
	a.channel = broadcast.NewClient(broadcast.ClientConfig{
		URL:    wsURL,
		Logger: a.logger,
		OnEvent: func(event broadcast.Event) {
			a.logger.Debug("channel event",
				zap.String("type", string(event.Type)),
				zap.Int("channel_members", len(a.channel.Members().Snapshot())))
		},
	})

	if err := emitter.Start(sessionCtx); err != nil {
		cancel()
		return err
	}
	go a.channel.Run(sessionCtx)

	<-ctx.Done()

	// Offline write first, unsubscribe after; neither may fail loudly
	// when connectivity is already gone.
	emitter.Stop()
	cancel()
	return nil
}

// Suspend pauses heartbeats while the application is backgrounded.
func (a *Agent) Suspend() {
	if a.emitter != nil {
		a.emitter.Suspend()
	}
}

// Resume re-activates heartbeats on foreground.
func (a *Agent) Resume() {
	if a.emitter != nil {
		a.emitter.Resume()
	}
}

func (a *Agent) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"user_id": a.userID})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+"/auth/session", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return fmt.Errorf("agent: login: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: login rejected with status %d", response.StatusCode)
	}

	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&session); err != nil {
		return fmt.Errorf("agent: login: %w", err)
	}
	a.token = session.AccessToken
	return nil
}

func (a *Agent) post(ctx context.Context, path string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+path, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+a.token)

	response, err := a.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("agent: %s returned status %d", path, response.StatusCode)
	}
	return nil
}

// httpPresenceWriter adapts the HTTP API to the emitter's store contract.
// The server derives the written user from the token, which is why the
// caller/user arguments are unused here.
type httpPresenceWriter struct {
	agent *Agent
}

func (w *httpPresenceWriter) SetPresence(ctx context.Context, _, _ string, online bool) error {
	path := "/presence/heartbeat"
	if !online {
		path = "/presence/offline"
	}
	return w.agent.post(ctx, path)
}

// httpAccountChecker probes the session endpoint: a session can only be
// issued once the account record exists, which is exactly the existence
// signal the emitter's Starting state needs.
type httpAccountChecker struct {
	agent *Agent
}

func (c *httpAccountChecker) Exists(ctx context.Context, _ string) (bool, error) {
	// Login already succeeded, so the account existed then. Re-login is
	// cheap and revalidates both the account and the token.
	if err := c.agent.login(ctx); err != nil {
		return false, err
	}
	return true, nil
}
