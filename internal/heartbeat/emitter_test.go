package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordedWrite struct {
	userID string
	online bool
}

type fakeStore struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (f *fakeStore) SetPresence(_ context.Context, _, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{userID: userID, online: online})
	return nil
}

func (f *fakeStore) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

type fakeAccounts struct {
	mu     sync.Mutex
	exists bool
	probes int
}

func (f *fakeAccounts) Exists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.exists, nil
}

func (f *fakeAccounts) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func newTestEmitter(t *testing.T, storeStub *fakeStore, accountsStub *fakeAccounts) *Emitter {
	t.Helper()
	emitter, err := NewEmitter(EmitterConfig{
		UserID:            "user-1",
		Store:             storeStub,
		Accounts:          accountsStub,
		Interval:          20 * time.Millisecond,
		ExistenceAttempts: 3,
		ExistenceBackoff:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build emitter: %v", err)
	}
	return emitter
}

func waitForState(t *testing.T, emitter *Emitter, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if emitter.CurrentState() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("emitter never reached state %s, still %s", want, emitter.CurrentState())
}

func waitForWrites(t *testing.T, storeStub *fakeStore, atLeast int) []recordedWrite {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		writes := storeStub.snapshot()
		if len(writes) >= atLeast {
			return writes
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected at least %d writes, got %d", atLeast, len(storeStub.snapshot()))
	return nil
}

func TestEmitterBeatsImmediatelyOnActivation(t *testing.T) {
	storeStub := &fakeStore{}
	emitter := newTestEmitter(t, storeStub, &fakeAccounts{exists: true})
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForState(t, emitter, StateActive)

	writes := waitForWrites(t, storeStub, 1)
	if !writes[0].online {
		t.Fatalf("expected first write to assert online")
	}
}

func TestEmitterKeepsBeatingOnInterval(t *testing.T) {
	storeStub := &fakeStore{}
	emitter := newTestEmitter(t, storeStub, &fakeAccounts{exists: true})
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	writes := waitForWrites(t, storeStub, 3)
	for _, write := range writes {
		if !write.online {
			t.Fatalf("unexpected offline write while active: %+v", writes)
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	storeStub := &fakeStore{}
	emitter := newTestEmitter(t, storeStub, &fakeAccounts{exists: true})
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := emitter.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestSuspendPausesWithoutOfflineWrite(t *testing.T) {
	storeStub := &fakeStore{}
	emitter := newTestEmitter(t, storeStub, &fakeAccounts{exists: true})
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForState(t, emitter, StateActive)
	waitForWrites(t, storeStub, 1)

	emitter.Suspend()
	waitForState(t, emitter, StateSuspended)
	baseline := len(storeStub.snapshot())

	time.Sleep(100 * time.Millisecond)
	writes := storeStub.snapshot()
	if len(writes) > baseline {
		t.Fatalf("expected no writes while suspended, got %d extra", len(writes)-baseline)
	}
	for _, write := range writes {
		if !write.online {
			t.Fatalf("suspend must never write offline: %+v", writes)
		}
	}
}

func TestResumeReassertsLivenessImmediately(t *testing.T) {
	storeStub := &fakeStore{}
	emitter := newTestEmitter(t, storeStub, &fakeAccounts{exists: true})
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForState(t, emitter, StateActive)
	waitForWrites(t, storeStub, 1)

	emitter.Suspend()
	waitForState(t, emitter, StateSuspended)
	baseline := len(storeStub.snapshot())

	emitter.Resume()
	waitForState(t, emitter, StateActive)

	writes := waitForWrites(t, storeStub, baseline+1)
	if !writes[len(writes)-1].online {
		t.Fatalf("expected resume to re-assert online")
	}
}

func TestStopEmitsBestEffortOfflineWrite(t *testing.T) {
	storeStub := &fakeStore{}
	emitter := newTestEmitter(t, storeStub, &fakeAccounts{exists: true})

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForState(t, emitter, StateActive)
	waitForWrites(t, storeStub, 1)

	emitter.Stop()
	if emitter.CurrentState() != StateStopped {
		t.Fatalf("expected stopped state, got %s", emitter.CurrentState())
	}

	writes := storeStub.snapshot()
	last := writes[len(writes)-1]
	if last.online {
		t.Fatalf("expected final write to be offline, got %+v", writes)
	}

	// Stop is idempotent: no second offline write.
	emitter.Stop()
	if extra := storeStub.snapshot(); len(extra) != len(writes) {
		t.Fatalf("expected no additional writes after repeated stop")
	}
}

func TestStartingRetriesWithBoundedBackoffThenGivesUp(t *testing.T) {
	storeStub := &fakeStore{}
	accountsStub := &fakeAccounts{exists: false}
	emitter := newTestEmitter(t, storeStub, accountsStub)

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForState(t, emitter, StateStopped)

	if probes := accountsStub.probeCount(); probes != 3 {
		t.Fatalf("expected exactly 3 existence probes, got %d", probes)
	}
	if writes := storeStub.snapshot(); len(writes) != 0 {
		t.Fatalf("expected no presence writes when the account never appears, got %+v", writes)
	}
}

func TestSuspendDuringStartingDefersActivation(t *testing.T) {
	storeStub := &fakeStore{}
	accountsStub := &fakeAccounts{exists: false}
	emitter, err := NewEmitter(EmitterConfig{
		UserID:            "user-1",
		Store:             storeStub,
		Accounts:          accountsStub,
		Interval:          20 * time.Millisecond,
		ExistenceAttempts: 1000,
		ExistenceBackoff:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build emitter: %v", err)
	}
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if state := emitter.CurrentState(); state != StateStarting {
		t.Fatalf("unexpected state before account exists: %s", state)
	}

	// Backgrounded before the account appears.
	emitter.Suspend()

	accountsStub.mu.Lock()
	accountsStub.exists = true
	accountsStub.mu.Unlock()

	waitForState(t, emitter, StateSuspended)
	if writes := storeStub.snapshot(); len(writes) != 0 {
		t.Fatalf("expected no beats while suspended through activation, got %+v", writes)
	}

	emitter.Resume()
	waitForState(t, emitter, StateActive)
	waitForWrites(t, storeStub, 1)
}

func TestStartingActivatesOnceAccountAppears(t *testing.T) {
	storeStub := &fakeStore{}
	accountsStub := &fakeAccounts{exists: false}
	emitter, err := NewEmitter(EmitterConfig{
		UserID:            "user-1",
		Store:             storeStub,
		Accounts:          accountsStub,
		Interval:          20 * time.Millisecond,
		ExistenceAttempts: 1000,
		ExistenceBackoff:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build emitter: %v", err)
	}
	defer emitter.Stop()

	if err := emitter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if state := emitter.CurrentState(); state != StateStarting {
		t.Fatalf("unexpected state before account exists: %s", state)
	}

	accountsStub.mu.Lock()
	accountsStub.exists = true
	accountsStub.mu.Unlock()

	waitForState(t, emitter, StateActive)
	waitForWrites(t, storeStub, 1)
}
