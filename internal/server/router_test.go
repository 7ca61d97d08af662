package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artrio/presence-backend/internal/accounts"
	"github.com/artrio/presence-backend/internal/broadcast"
	"github.com/artrio/presence-backend/internal/presence"
	"github.com/artrio/presence-backend/internal/store"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	handler http.Handler
	tracker *presence.Tracker
	hub     *broadcast.Hub
	tokens  *SessionTokens
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&accounts.Account{}, &store.PresenceRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	accountsService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build accounts service: %v", err)
	}
	storeService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Accounts: accountsService,
	})
	if err != nil {
		t.Fatalf("failed to build store service: %v", err)
	}
	hub := broadcast.NewHub(broadcast.HubConfig{})
	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Records:         storeService,
		Feed:            storeService.Feed(),
		Channel:         hub.Memberships(),
		StalenessWindow: 30 * time.Second,
		CacheTTL:        time.Millisecond,
		DebounceWindow:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}

	tokens := NewSessionTokens(SessionTokenConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "presence-auth",
		Audience:      "presence-api",
	})

	handler, err := NewHTTPHandler(Dependencies{
		Accounts: accountsService,
		Store:    storeService,
		Tracker:  tracker,
		Hub:      hub,
		Tokens:   tokens,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &testEnv{handler: handler, tracker: tracker, hub: hub, tokens: tokens}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) registerAndLogin(t *testing.T, userID string) string {
	t.Helper()
	if response := env.do(t, http.MethodPost, "/accounts", "", map[string]string{"user_id": userID, "username": userID}); response.Code != http.StatusCreated {
		t.Fatalf("account creation failed: %d %s", response.Code, response.Body.String())
	}
	response := env.do(t, http.MethodPost, "/auth/session", "", map[string]string{"user_id": userID})
	if response.Code != http.StatusOK {
		t.Fatalf("session issue failed: %d %s", response.Code, response.Body.String())
	}
	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	return session.AccessToken
}

func TestHeartbeatFlowMarksUserOnline(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "user-1")

	if response := env.do(t, http.MethodPost, "/presence/heartbeat", token, nil); response.Code != http.StatusNoContent {
		t.Fatalf("heartbeat failed: %d %s", response.Code, response.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		response := env.do(t, http.MethodGet, "/presence/user-1", token, nil)
		if response.Code != http.StatusOK {
			t.Fatalf("presence query failed: %d", response.Code)
		}
		var status presence.Status
		if err := json.Unmarshal(response.Body.Bytes(), &status); err != nil {
			t.Fatalf("failed to decode status: %v", err)
		}
		if status.IsOnline {
			if status.StatusText != presence.ActiveNowText {
				t.Fatalf("unexpected status text: %q", status.StatusText)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("heartbeat never propagated to the presence query")
}

func TestOfflineWriteFlipsStatus(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "user-1")

	if response := env.do(t, http.MethodPost, "/presence/heartbeat", token, nil); response.Code != http.StatusNoContent {
		t.Fatalf("heartbeat failed: %d", response.Code)
	}
	if response := env.do(t, http.MethodPost, "/presence/offline", token, nil); response.Code != http.StatusNoContent {
		t.Fatalf("offline write failed: %d", response.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !env.tracker.IsUserOnline("user-1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("offline write never propagated")
}

func TestPresenceEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/presence/heartbeat"},
		{http.MethodPost, "/presence/offline"},
		{http.MethodGet, "/presence"},
		{http.MethodGet, "/presence/user-1"},
		{http.MethodGet, "/presence/user-1/text"},
	} {
		response := env.do(t, route.method, route.path, "", nil)
		if response.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, response.Code)
		}
	}
}

func TestHeartbeatBeforeAccountCreationConflicts(t *testing.T) {
	env := newTestEnv(t)

	// A token can outlive account provisioning in a fresh environment;
	// the write must be rejected, not stored as an orphan.
	token, _, err := env.tokens.IssueSessionToken("ghost")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	response := env.do(t, http.MethodPost, "/presence/heartbeat", token, nil)
	if response.Code != http.StatusConflict {
		t.Fatalf("expected 409 for heartbeat before account exists, got %d", response.Code)
	}
}

func TestSessionIssueRequiresExistingAccount(t *testing.T) {
	env := newTestEnv(t)

	response := env.do(t, http.MethodPost, "/auth/session", "", map[string]string{"user_id": "ghost"})
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", response.Code)
	}
}

func TestPresenceTextEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "user-1")

	response := env.do(t, http.MethodGet, "/presence/user-2/text", token, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("presence text query failed: %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), "Offline") {
		t.Fatalf("expected Offline text for unknown user, got %s", response.Body.String())
	}
}

func TestListPresenceReturnsOverview(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "user-1")

	if response := env.do(t, http.MethodPost, "/presence/heartbeat", token, nil); response.Code != http.StatusNoContent {
		t.Fatalf("heartbeat failed: %d", response.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		response := env.do(t, http.MethodGet, "/presence", token, nil)
		if response.Code != http.StatusOK {
			t.Fatalf("list presence failed: %d", response.Code)
		}
		var payload struct {
			Statuses []presence.Status `json:"statuses"`
		}
		if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode overview: %v", err)
		}
		if len(payload.Statuses) == 1 && payload.Statuses[0].UserID == "user-1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("overview never included the heartbeating user")
}
