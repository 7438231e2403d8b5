package triadsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newChannelFixture(t *testing.T, pinned string) (*ChannelManager, *Store, *fakeCalendar) {
	t.Helper()
	store := NewStoreWithOptions(StoreOptions{Logger: discardLogger()})
	calendar := newFakeCalendar()
	manager := NewChannelManager(ChannelManagerOptions{
		Store:           store,
		Calendar:        calendar,
		Address:         "https://hooks.example/gcal",
		PinnedChannelID: pinned,
		Logger:          discardLogger(),
	})
	return manager, store, calendar
}

func TestRegisterOpensChannelWithEmptyCursor(t *testing.T) {
	manager, store, calendar := newChannelFixture(t, "")

	state, err := manager.Register(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !strings.HasPrefix(state.ChannelID, "sync-") {
		t.Fatalf("expected a minted channel id, got %q", state.ChannelID)
	}
	if state.ResourceID == "" || state.Expiration.IsZero() {
		t.Fatalf("registration incomplete: %+v", state)
	}
	if state.SyncToken != "" {
		t.Fatalf("a fresh registration starts without a cursor")
	}
	if stored := store.ChannelState(); stored.ChannelID != state.ChannelID {
		t.Fatalf("registration not persisted: %+v", stored)
	}
	if len(calendar.watched) != 1 {
		t.Fatalf("expected one watch call, got %d", len(calendar.watched))
	}
}

func TestRegisterUsesPinnedChannelID(t *testing.T) {
	manager, _, _ := newChannelFixture(t, "pinned-chan")
	state, err := manager.Register(context.Background())
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if state.ChannelID != "pinned-chan" {
		t.Fatalf("pinned id should be reused, got %q", state.ChannelID)
	}
}

func TestRegisterRequiresAddress(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{Logger: discardLogger()})
	manager := NewChannelManager(ChannelManagerOptions{
		Store:    store,
		Calendar: newFakeCalendar(),
		Logger:   discardLogger(),
	})
	if _, err := manager.Register(context.Background()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRenewStopsOldChannelAndKeepsToken(t *testing.T) {
	manager, store, calendar := newChannelFixture(t, "")
	if err := store.SetChannelState(ChannelState{
		ChannelID:  "chan-old",
		ResourceID: "res-old",
		Expiration: time.Now().Add(time.Hour),
		SyncToken:  "tok-keep",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	state, err := manager.Renew(context.Background())
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if len(calendar.stopped) != 1 || calendar.stopped[0] != "chan-old|res-old" {
		t.Fatalf("old channel should be stopped: %v", calendar.stopped)
	}
	if state.ChannelID == "chan-old" {
		t.Fatalf("renewal must mint a new channel")
	}
	if state.SyncToken != "tok-keep" {
		t.Fatalf("renewal must carry the cursor over, got %q", state.SyncToken)
	}
}

func TestRenewContinuesWhenStopFails(t *testing.T) {
	manager, store, calendar := newChannelFixture(t, "")
	if err := store.SetChannelState(ChannelState{ChannelID: "chan-old", ResourceID: "res-old", SyncToken: "tok-keep"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	calendar.stopErr = errors.New("already stopped")

	state, err := manager.Renew(context.Background())
	if err != nil {
		t.Fatalf("stop failure must not block renewal: %v", err)
	}
	if !state.Registered() || state.SyncToken != "tok-keep" {
		t.Fatalf("renewal should still complete: %+v", state)
	}
}

func TestRecoverDiscardsToken(t *testing.T) {
	manager, store, _ := newChannelFixture(t, "")
	if err := store.SetChannelState(ChannelState{ChannelID: "chan-old", ResourceID: "res-old", SyncToken: "tok-stale"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	state, err := manager.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if state.SyncToken != "" {
		t.Fatalf("recovery must drop the stale cursor, got %q", state.SyncToken)
	}
	if stored := store.ChannelState(); stored.SyncToken != "" || stored.ChannelID == "chan-old" {
		t.Fatalf("recovered state not persisted: %+v", stored)
	}
}

func TestRunRegistersWhenUnregisteredAndRenewsNearExpiry(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{Logger: discardLogger()})
	calendar := newFakeCalendar()
	manager := NewChannelManager(ChannelManagerOptions{
		Store:         store,
		Calendar:      calendar,
		Address:       "https://hooks.example/gcal",
		RenewMargin:   12 * time.Hour,
		CheckInterval: 5 * time.Millisecond,
		Logger:        discardLogger(),
	})

	// First cycle registers; the fake hands out a week-long expiration, so
	// no renewal follows.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	manager.Run(ctx)

	state := store.ChannelState()
	if !state.Registered() {
		t.Fatalf("run loop should have registered a channel")
	}
	if len(calendar.watched) != 1 {
		t.Fatalf("healthy channel must not be re-watched, got %d calls", len(calendar.watched))
	}

	// A channel inside the renew margin is replaced on the next cycle.
	calendar.expiration = time.Now().Add(time.Hour)
	if err := store.SetChannelState(ChannelState{
		ChannelID:  state.ChannelID,
		ResourceID: state.ResourceID,
		Expiration: time.Now().Add(time.Hour),
		SyncToken:  "tok-keep",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	manager.Run(ctx)

	renewed := store.ChannelState()
	if renewed.ChannelID == state.ChannelID {
		t.Fatalf("near-expiry channel should have been replaced")
	}
	if renewed.SyncToken != "tok-keep" {
		t.Fatalf("renewal in the loop must keep the cursor, got %q", renewed.SyncToken)
	}
}
