package triadsync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const externalRetentionWindow = 30 * 24 * time.Hour

type SweeperOptions struct {
	Store       *Store
	DocInternal DocTableClient
	DocExternal DocTableClient
	Interval    time.Duration
	Logger      *slog.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Sweeper retires document rows on two independent clocks: the public table
// keeps an event for 30 days after its start date, the internal table drops
// it as soon as it has ended. A record whose rows are both archived is
// archived itself.
type Sweeper struct {
	store       *Store
	docInternal DocTableClient
	docExternal DocTableClient
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewSweeper(opts SweeperOptions) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:       opts.Store,
		docInternal: opts.DocInternal,
		docExternal: opts.DocExternal,
		interval:    interval,
		logger:      logger,
		now:         now,
	}
}

// RunOnce sweeps every active record. Per-record failures are logged and
// retried next run; a row already archived (or gone upstream) just has its
// flag confirmed.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	var errs []error
	swept := 0
	for _, rec := range s.store.ListActive() {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := s.sweepRecord(ctx, rec, now)
		if err != nil {
			s.logger.Error("sweep failed for record", "canonicalId", rec.CanonicalID, "error", err)
			errs = append(errs, err)
			continue
		}
		if changed {
			swept++
		}
	}
	s.logger.Info("archival sweep complete", "archivedRepresentations", swept, "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Sweeper) sweepRecord(ctx context.Context, rec EventRecord, now time.Time) (bool, error) {
	changed := false

	if s.externalExpired(rec, now) {
		if err := s.archiveDoc(ctx, s.docExternal, rec.DocExternalID, rec.CanonicalID, SystemDocExternal); err != nil {
			return changed, err
		}
		changed = true
	}
	if s.internalExpired(rec, now) {
		if err := s.archiveDoc(ctx, s.docInternal, rec.DocInternalID, rec.CanonicalID, SystemDocInternal); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// externalExpired: the start date is more than 30 days in the past.
func (s *Sweeper) externalExpired(rec EventRecord, now time.Time) bool {
	if rec.DocExternalArchived || rec.DocExternalID == "" || rec.StartTime.IsZero() {
		return false
	}
	return now.Sub(rec.StartTime) > externalRetentionWindow
}

// internalExpired: the event has ended, taking the start time as the end
// when none was recorded.
func (s *Sweeper) internalExpired(rec EventRecord, now time.Time) bool {
	if rec.DocInternalArchived || rec.DocInternalID == "" {
		return false
	}
	end := rec.EndTime
	if end.IsZero() {
		end = rec.StartTime
	}
	if end.IsZero() {
		return false
	}
	return !end.After(now)
}

func (s *Sweeper) archiveDoc(ctx context.Context, client DocTableClient, pageID, canonicalID string, kind SystemKind) error {
	if err := client.ArchivePage(ctx, pageID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.store.MarkDocArchived(canonicalID, kind)
}

// Run sweeps immediately and then on every interval tick until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("archival sweep failed", "error", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("archival sweep failed", "error", err)
			}
		}
	}
}
