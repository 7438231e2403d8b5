package triadsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type ReconcilerOptions struct {
	Store       *Store
	Calendar    CalendarClient
	Scheduler   SchedulerClient
	DocInternal DocTableClient
	DocExternal DocTableClient
	Channels    *ChannelManager
	// Cooldown suppresses passes triggered within this window of the last
	// completed one. Pings are content-free, so a suppressed trigger loses
	// nothing: the next pass picks the changes up from the cursor.
	Cooldown time.Duration
	Logger   *slog.Logger
}

// Reconciler pulls the calendar change feed when pinged and applies each
// change to the canonical store and the other representations. A pass is
// single-flight; the sync token only advances after the whole batch applied.
type Reconciler struct {
	store       *Store
	calendar    CalendarClient
	scheduler   SchedulerClient
	docInternal DocTableClient
	docExternal DocTableClient
	channels    *ChannelManager
	cooldown    time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	running  bool
	lastDone time.Time
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	cooldown := opts.Cooldown
	if cooldown < 0 {
		cooldown = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:       opts.Store,
		calendar:    opts.Calendar,
		scheduler:   opts.Scheduler,
		docInternal: opts.DocInternal,
		docExternal: opts.DocExternal,
		channels:    opts.Channels,
		cooldown:    cooldown,
		logger:      logger,
	}
}

// Sync runs one reconciliation pass. An overlapping trigger returns
// ErrSyncInProgress; a cooled-down trigger is skipped without error. Neither
// loses anything: the running or next pass picks the changes up from the
// cursor.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Info("sync skipped: pass already in progress")
		return ErrSyncInProgress
	}
	if r.cooldown > 0 && time.Since(r.lastDone) < r.cooldown {
		r.mu.Unlock()
		r.logger.Info("sync skipped: cooldown")
		return nil
	}
	r.running = true
	r.mu.Unlock()

	err := r.syncOnce(ctx)

	r.mu.Lock()
	r.running = false
	if err == nil {
		r.lastDone = time.Now()
	}
	r.mu.Unlock()
	return err
}

func (r *Reconciler) syncOnce(ctx context.Context) error {
	token := r.store.ChannelState().SyncToken
	batch, err := r.calendar.Changes(ctx, token)
	if errors.Is(err, ErrStaleToken) {
		r.logger.Warn("sync token expired, recovering channel")
		if _, recErr := r.channels.Recover(ctx); recErr != nil {
			return recErr
		}
		batch, err = r.calendar.Changes(ctx, "")
	}
	if err != nil {
		return err
	}

	r.logger.Info("fetched calendar changes", "count", len(batch.Events))
	failed := 0
	for _, event := range batch.Events {
		if applyErr := r.applyChange(ctx, event); applyErr != nil {
			failed++
			r.logger.Error("failed to apply calendar change", "calendarId", event.ID, "error", applyErr)
		}
	}

	if failed > 0 {
		// Leaving the token where it was refetches the batch next cycle;
		// applyChange is idempotent, so the retries are safe.
		r.logger.Warn("sync pass incomplete, token not advanced", "failed", failed)
		return Transientf("%d of %d changes failed to apply", failed, len(batch.Events))
	}
	if batch.NextSyncToken != "" {
		if err := r.store.SetSyncToken(batch.NextSyncToken); err != nil {
			return err
		}
	}
	r.logger.Info("sync pass complete", "applied", len(batch.Events), "nextToken", batch.NextSyncToken != "")
	return nil
}

// applyChange is idempotent per calendar event id: re-delivered batches
// converge on the same record state.
func (r *Reconciler) applyChange(ctx context.Context, event CalendarEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return nil
	}
	rec, known := r.store.FindBySystemID(SystemCalendar, event.ID)
	if !known {
		if event.Cancelled() {
			// Nothing of ours to tear down.
			return nil
		}
		return r.createFromCalendar(ctx, event)
	}
	if event.Cancelled() {
		return r.archiveFromCalendar(ctx, rec.CanonicalID)
	}
	return r.updateFromCalendar(ctx, rec.CanonicalID, event)
}

// createFromCalendar admits a first-seen calendar event into both document
// tables. It never creates a scheduling-surface event: the scheduler is the
// origin for that representation.
func (r *Reconciler) createFromCalendar(ctx context.Context, event CalendarEvent) error {
	rec := EventRecord{
		CanonicalID: NewCanonicalID(),
		CalendarID:  event.ID,
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		StartTime:   event.Start,
		EndTime:     event.End,
		EventURL:    event.HTMLLink,
	}
	rec, err := r.store.Upsert(rec)
	if err != nil {
		var conflict *IdentifierConflictError
		if errors.As(err, &conflict) {
			// The calendar id is claimed by a record that reached us through
			// the scheduling surface first; that binding wins. The record we
			// just admitted holds no identifiers, so retire it.
			r.logger.Warn("calendar id already bound, keeping existing record",
				"calendarId", event.ID, "canonicalId", conflict.ClaimedBy)
			_ = r.store.MarkArchived(rec.CanonicalID)
			return nil
		}
		return err
	}

	return r.store.WithRecordLock(rec.CanonicalID, func() error {
		rec, err := r.store.FindByCanonicalID(rec.CanonicalID)
		if err != nil {
			return err
		}
		var errs []error
		if rec.DocInternalID == "" {
			pageID, docErr := r.docInternal.CreatePage(ctx, rowFromRecord(rec))
			if docErr != nil {
				errs = append(errs, docErr)
			} else {
				rec.DocInternalID = pageID
			}
		}
		if rec.DocExternalID == "" {
			pageID, docErr := r.docExternal.CreatePage(ctx, rowFromRecord(rec))
			if docErr != nil {
				errs = append(errs, docErr)
			} else {
				rec.DocExternalID = pageID
			}
		}
		if _, upErr := r.store.Upsert(rec); upErr != nil {
			errs = append(errs, upErr)
		}
		return errors.Join(errs...)
	})
}

func (r *Reconciler) updateFromCalendar(ctx context.Context, canonicalID string, event CalendarEvent) error {
	return r.store.WithRecordLock(canonicalID, func() error {
		rec, err := r.store.FindByCanonicalID(canonicalID)
		if err != nil {
			return err
		}
		if rec.Archived {
			r.logger.Warn("ignoring calendar change for archived record",
				"canonicalId", rec.CanonicalID, "calendarId", event.ID)
			return nil
		}
		fields := EventFields{
			Title:       event.Title,
			Description: event.Description,
			Location:    event.Location,
			Start:       event.Start,
			End:         event.End,
		}
		fields.applyTo(&rec)
		if event.HTMLLink != "" {
			rec.EventURL = event.HTMLLink
		}
		row := rowFromRecord(rec)
		var errs []error

		if rec.DocInternalID != "" && !rec.DocInternalArchived {
			if docErr := r.docInternal.UpdatePage(ctx, rec.DocInternalID, row); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				errs = append(errs, docErr)
			}
		}
		if rec.DocExternalID != "" && !rec.DocExternalArchived {
			if docErr := r.docExternal.UpdatePage(ctx, rec.DocExternalID, row); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				errs = append(errs, docErr)
			}
		}
		if rec.SchedulerID != "" {
			if schedErr := r.scheduler.UpdateEvent(ctx, rec.SchedulerID, fields); schedErr != nil && !errors.Is(schedErr, ErrNotFound) {
				errs = append(errs, schedErr)
			}
		} else {
			r.logger.Warn("no scheduler event linked, skipping scheduler update", "canonicalId", rec.CanonicalID)
		}

		if _, upErr := r.store.Upsert(rec); upErr != nil {
			errs = append(errs, upErr)
		}
		return errors.Join(errs...)
	})
}

func (r *Reconciler) archiveFromCalendar(ctx context.Context, canonicalID string) error {
	return r.store.WithRecordLock(canonicalID, func() error {
		rec, err := r.store.FindByCanonicalID(canonicalID)
		if err != nil {
			return err
		}
		var errs []error

		if rec.DocInternalID != "" && !rec.DocInternalArchived {
			if docErr := r.docInternal.ArchivePage(ctx, rec.DocInternalID); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				errs = append(errs, docErr)
			} else if markErr := r.store.MarkDocArchived(canonicalID, SystemDocInternal); markErr != nil {
				errs = append(errs, markErr)
			}
		}
		if rec.DocExternalID != "" && !rec.DocExternalArchived {
			if docErr := r.docExternal.ArchivePage(ctx, rec.DocExternalID); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				errs = append(errs, docErr)
			} else if markErr := r.store.MarkDocArchived(canonicalID, SystemDocExternal); markErr != nil {
				errs = append(errs, markErr)
			}
		}
		if len(errs) == 0 {
			if markErr := r.store.MarkArchived(canonicalID); markErr != nil {
				errs = append(errs, markErr)
			}
		}
		return errors.Join(errs...)
	})
}
