package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State models the emitter lifecycle. Transitions:
// Unstarted → Starting → Active ⇄ Suspended, and any state → Stopped.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateActive
	StateSuspended
	StateStopped
)

// String names the state for logs and test failures.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultExistenceAttempts = 5
	defaultExistenceBackoff  = 2 * time.Second
	offlineWriteTimeout      = 3 * time.Second
)

var errAlreadyStarted = errors.New("heartbeat: emitter already started")

// PresenceWriter is the slice of the durable store the emitter needs.
type PresenceWriter interface {
	SetPresence(ctx context.Context, callerID, userID string, online bool) error
}

// AccountChecker reports whether the owning account record exists yet.
type AccountChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// EmitterConfig configures one session's heartbeat emitter.
type EmitterConfig struct {
	UserID            string
	Store             PresenceWriter
	Accounts          AccountChecker
	Interval          time.Duration
	ExistenceAttempts int
	ExistenceBackoff  time.Duration
	Logger            *zap.Logger
}

// Emitter periodically asserts a session's liveness into the durable store.
// It never blocks its caller and swallows write failures: a future
// successful beat self-heals any missed write, so the timer must keep
// running regardless of store health.
type Emitter struct {
	userID    string
	sessionID string
	store     PresenceWriter
	accounts  AccountChecker
	interval  time.Duration
	attempts  int
	backoff   time.Duration
	logger    *zap.Logger

	mu                sync.Mutex
	state             State
	suspendOnActivate bool
	cancel            context.CancelFunc
	kick              chan struct{}
	done              chan struct{}
}

// NewEmitter constructs an emitter in the Unstarted state.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("heartbeat: user id required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("heartbeat: presence writer required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("heartbeat: account checker required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("heartbeat: interval must be positive")
	}
	attempts := cfg.ExistenceAttempts
	if attempts <= 0 {
		attempts = defaultExistenceAttempts
	}
	backoff := cfg.ExistenceBackoff
	if backoff <= 0 {
		backoff = defaultExistenceBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		userID:    cfg.UserID,
		sessionID: uuid.NewString(),
		store:     cfg.Store,
		accounts:  cfg.Accounts,
		interval:  cfg.Interval,
		attempts:  attempts,
		backoff:   backoff,
		logger:    logger.With(zap.String("user_id", cfg.UserID)),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// SessionID identifies this emitter's session, shared with the broadcast
// channel so multi-tab membership stays counted.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

// CurrentState reports the emitter state.
func (e *Emitter) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins the heartbeat loop. It returns immediately; the existence
// probe and all writes happen on the emitter's own goroutine.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateUnstarted {
		e.mu.Unlock()
		return errAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.state = StateStarting
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx)
	return nil
}

// Suspend pauses heartbeats while the application is backgrounded. It never
// writes an offline record: backgrounding alone must not mark a user
// offline. A suspend arriving during Starting is remembered, so the emitter
// parks in Suspended once the account appears instead of beating in the
// background.
func (e *Emitter) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateActive:
		e.state = StateSuspended
	case StateStarting:
		e.suspendOnActivate = true
	}
}

// Resume re-activates a suspended emitter and immediately re-asserts
// liveness rather than waiting out the remainder of the interval.
func (e *Emitter) Resume() {
	e.mu.Lock()
	if e.state == StateStarting {
		e.suspendOnActivate = false
		e.mu.Unlock()
		return
	}
	if e.state != StateSuspended {
		e.mu.Unlock()
		return
	}
	e.state = StateActive
	e.mu.Unlock()

	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Stop ends the session: the timer is cleared and a final best-effort
// offline write is attempted. Stop is idempotent and safe to call when
// connectivity is already gone; the reconciler's staleness policy, not this
// write, is what makes the user eventually read as offline.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateUnstarted {
		if e.state == StateUnstarted {
			e.state = StateStopped
		}
		e.mu.Unlock()
		return
	}
	wasActive := e.state == StateActive || e.state == StateSuspended
	e.state = StateStopped
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-e.done

	if !wasActive {
		return
	}
	ctx, cancelWrite := context.WithTimeout(context.Background(), offlineWriteTimeout)
	defer cancelWrite()
	if err := e.store.SetPresence(ctx, e.userID, e.userID, false); err != nil {
		e.logger.Debug("best-effort offline write failed", zap.Error(err))
	}
}

// Done is closed when the heartbeat loop has exited.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)

	if !e.awaitAccount(ctx) {
		e.mu.Lock()
		if e.state != StateStopped {
			e.state = StateStopped
		}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	if e.suspendOnActivate {
		e.suspendOnActivate = false
		e.state = StateSuspended
	} else {
		e.state = StateActive
	}
	active := e.state == StateActive
	e.mu.Unlock()

	if active {
		e.beat(ctx)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
			if e.CurrentState() == StateActive {
				e.beat(ctx)
			}
		case <-ticker.C:
			if e.CurrentState() == StateActive {
				e.beat(ctx)
			}
		}
	}
}

// awaitAccount probes for the owning account with bounded backoff rather
// than emitting a write known to fail. Gives up silently after the attempt
// cap; the session then simply reads as offline.
func (e *Emitter) awaitAccount(ctx context.Context) bool {
	for attempt := 1; attempt <= e.attempts; attempt++ {
		exists, err := e.accounts.Exists(ctx, e.userID)
		if err == nil && exists {
			return true
		}
		if err != nil {
			e.logger.Debug("account existence probe failed",
				zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.backoff):
		}
	}
	e.logger.Warn("account never appeared, heartbeat emitter giving up",
		zap.Int("attempts", e.attempts))
	return false
}

func (e *Emitter) beat(ctx context.Context) {
	if err := e.store.SetPresence(ctx, e.userID, e.userID, true); err != nil {
		// Transient failures are swallowed; the next beat self-heals.
		e.logger.Debug("heartbeat write failed", zap.Error(err))
	}
}
