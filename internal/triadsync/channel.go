package triadsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ChannelManagerOptions struct {
	Store    *Store
	Calendar CalendarClient
	// Address is the public webhook URL the calendar pushes pings to.
	Address string
	// PinnedChannelID, when set, reuses one well-known channel id across
	// registrations instead of minting sync-<uuid> ids.
	PinnedChannelID string
	// RenewMargin is how long before expiration the loop renews.
	RenewMargin   time.Duration
	CheckInterval time.Duration
	Logger        *slog.Logger
}

// ChannelManager owns the push-channel singleton: registration, renewal
// before expiry, and invalidate-and-reregister recovery.
type ChannelManager struct {
	store         *Store
	calendar      CalendarClient
	address       string
	pinnedID      string
	renewMargin   time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
}

func NewChannelManager(opts ChannelManagerOptions) *ChannelManager {
	renewMargin := opts.RenewMargin
	if renewMargin <= 0 {
		renewMargin = 12 * time.Hour
	}
	checkInterval := opts.CheckInterval
	if checkInterval <= 0 {
		checkInterval = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelManager{
		store:         opts.Store,
		calendar:      opts.Calendar,
		address:       strings.TrimSpace(opts.Address),
		pinnedID:      strings.TrimSpace(opts.PinnedChannelID),
		renewMargin:   renewMargin,
		checkInterval: checkInterval,
		logger:        logger,
	}
}

func (m *ChannelManager) newChannelID() string {
	if m.pinnedID != "" {
		return m.pinnedID
	}
	return "sync-" + uuid.NewString()
}

// Register opens a fresh channel with an empty cursor baseline.
func (m *ChannelManager) Register(ctx context.Context) (ChannelState, error) {
	if m.address == "" {
		return ChannelState{}, fmt.Errorf("%w: webhook address is required", ErrInvalidInput)
	}
	watch, err := m.calendar.Watch(ctx, m.newChannelID(), m.address)
	if err != nil {
		return ChannelState{}, err
	}
	state := ChannelState{
		ChannelID:  watch.ChannelID,
		ResourceID: watch.ResourceID,
		Expiration: watch.Expiration,
	}
	if err := m.store.SetChannelState(state); err != nil {
		return state, err
	}
	m.logger.Info("notification channel registered",
		"channelId", state.ChannelID, "expiration", state.Expiration)
	return state, nil
}

// Renew replaces the channel before it expires. The old channel is stopped
// best-effort and the sync token carries over, so no changes are refetched.
func (m *ChannelManager) Renew(ctx context.Context) (ChannelState, error) {
	return m.replace(ctx, true)
}

// Recover discards the channel and its cursor after a stale-token failure.
// The next fetch enumerates from scratch.
func (m *ChannelManager) Recover(ctx context.Context) (ChannelState, error) {
	return m.replace(ctx, false)
}

func (m *ChannelManager) replace(ctx context.Context, keepToken bool) (ChannelState, error) {
	if m.address == "" {
		return ChannelState{}, fmt.Errorf("%w: webhook address is required", ErrInvalidInput)
	}
	old := m.store.ChannelState()
	if old.Registered() && old.ResourceID != "" {
		if err := m.calendar.StopChannel(ctx, old.ChannelID, old.ResourceID); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("failed to stop old channel, continuing", "channelId", old.ChannelID, "error", err)
		}
	}
	watch, err := m.calendar.Watch(ctx, m.newChannelID(), m.address)
	if err != nil {
		return ChannelState{}, err
	}
	state := ChannelState{
		ChannelID:  watch.ChannelID,
		ResourceID: watch.ResourceID,
		Expiration: watch.Expiration,
	}
	if keepToken {
		state.SyncToken = old.SyncToken
	}
	if err := m.store.SetChannelState(state); err != nil {
		return state, err
	}
	m.logger.Info("notification channel replaced",
		"channelId", state.ChannelID, "expiration", state.Expiration, "tokenKept", keepToken)
	return state, nil
}

// Run keeps the registration alive until ctx is cancelled. Failures are
// logged and retried next tick; the expired-channel window just means pings
// stop until renewal succeeds.
func (m *ChannelManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		state := m.store.ChannelState()
		switch {
		case !state.Registered():
			if _, err := m.Register(ctx); err != nil {
				m.logger.Error("channel registration failed", "error", err)
			}
		case time.Until(state.Expiration) < m.renewMargin:
			if _, err := m.Renew(ctx); err != nil {
				m.logger.Error("channel renewal failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
