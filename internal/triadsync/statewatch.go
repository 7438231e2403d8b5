package triadsync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type StateFileWatcherOptions struct {
	Store     *Store
	StateFile string
	Logger    *slog.Logger
}

// StateFileWatcher reloads channel state when another process rewrites the
// state file. The watch binary registers channels out of band, so the main
// service picks up the new channel without a restart.
type StateFileWatcher struct {
	store     *Store
	stateFile string
	logger    *slog.Logger
}

func NewStateFileWatcher(opts StateFileWatcherOptions) (*StateFileWatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		return nil, fmt.Errorf("%w: state file path is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StateFileWatcher{
		store:     opts.Store,
		stateFile: filepath.Clean(stateFile),
		logger:    logger,
	}, nil
}

// Run blocks until ctx is cancelled. The watch is on the containing
// directory because atomic rename-into-place replaces the file inode.
func (w *StateFileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.stateFile)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.stateFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.store.ReloadChannelState(); err != nil {
				w.logger.Warn("channel state reload failed", "error", err)
				continue
			}
			w.logger.Info("channel state reloaded", "file", w.stateFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("state file watcher error", "error", err)
		}
	}
}
