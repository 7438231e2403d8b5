package triadsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestStateFileWatcherValidatesOptions(t *testing.T) {
	if _, err := NewStateFileWatcher(StateFileWatcherOptions{StateFile: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing store should fail: %v", err)
	}
	store := NewStoreWithOptions(StoreOptions{Logger: discardLogger()})
	if _, err := NewStateFileWatcher(StateFileWatcherOptions{Store: store}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing path should fail: %v", err)
	}
}

func TestStateFileWatcherReloadsChannelOnRewrite(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")

	store := NewStoreWithOptions(StoreOptions{StateFile: stateFile, Logger: discardLogger()})
	if err := store.SetChannelState(ChannelState{ChannelID: "chan-old"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	watcher, err := NewStateFileWatcher(StateFileWatcherOptions{
		Store:     store,
		StateFile: stateFile,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("watcher construction failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()

	// Give the watch a moment to attach before rewriting.
	time.Sleep(50 * time.Millisecond)

	// The watch CLI writes through its own store handle.
	writer := NewStoreWithOptions(StoreOptions{StateFile: stateFile, Logger: discardLogger()})
	if err := writer.SetChannelState(ChannelState{ChannelID: "chan-new", SyncToken: "tok-1"}); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.ChannelState().ChannelID == "chan-new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher did not pick up the rewrite: %+v", store.ChannelState())
}
