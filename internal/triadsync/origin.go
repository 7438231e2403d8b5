package triadsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// OriginSignal is a change announced by the scheduling surface, the system
// of origin for event lifecycles.
type OriginSignal struct {
	SchedulerID string
	Fields      EventFields
}

type OriginHandlerOptions struct {
	Store       *Store
	Calendar    CalendarClient
	DocInternal DocTableClient
	DocExternal DocTableClient
	// Events whose title contains IgnoreTerm stay out of the public table;
	// the internal table still gets the row.
	IgnoreTerm string
	Logger     *slog.Logger
}

// OriginHandler fans origin changes out to the calendar and both document
// tables. Partial failure keeps whatever identifiers were acquired; the
// caller retries the rest on a later signal.
type OriginHandler struct {
	store       *Store
	calendar    CalendarClient
	docInternal DocTableClient
	docExternal DocTableClient
	ignoreTerm  string
	logger      *slog.Logger
}

func NewOriginHandler(opts OriginHandlerOptions) *OriginHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OriginHandler{
		store:       opts.Store,
		calendar:    opts.Calendar,
		docInternal: opts.DocInternal,
		docExternal: opts.DocExternal,
		ignoreTerm:  strings.ToLower(strings.TrimSpace(opts.IgnoreTerm)),
		logger:      logger,
	}
}

func (h *OriginHandler) excludedFromExternal(title string) bool {
	return h.ignoreTerm != "" && strings.Contains(strings.ToLower(title), h.ignoreTerm)
}

// HandleCreate creates the event everywhere else. Re-delivery of a signal
// whose scheduler id is already known resumes instead of duplicating:
// only the representations still missing an identifier are created.
func (h *OriginHandler) HandleCreate(ctx context.Context, sig OriginSignal) error {
	schedulerID := strings.TrimSpace(sig.SchedulerID)
	if schedulerID == "" {
		return fmt.Errorf("%w: scheduler id on create signal", ErrMissingIdentifier)
	}

	rec, known := h.store.FindBySystemID(SystemScheduler, schedulerID)
	if !known {
		candidate := EventRecord{CanonicalID: NewCanonicalID(), SchedulerID: schedulerID}
		sig.Fields.applyTo(&candidate)
		var err error
		rec, err = h.store.Upsert(candidate)
		if err != nil {
			return err
		}
	}

	return h.store.WithRecordLock(rec.CanonicalID, func() error {
		rec, err := h.store.FindByCanonicalID(rec.CanonicalID)
		if err != nil {
			return err
		}
		if rec.Archived {
			h.logger.Warn("ignoring create signal for archived record",
				"canonicalId", rec.CanonicalID, "schedulerId", schedulerID)
			return nil
		}
		sig.Fields.applyTo(&rec)
		var errs []error

		if rec.CalendarID == "" {
			created, calErr := h.calendar.CreateEvent(ctx, sig.Fields)
			if calErr != nil {
				h.logger.Error("calendar create failed", "canonicalId", rec.CanonicalID, "error", calErr)
				errs = append(errs, calErr)
			} else {
				rec.CalendarID = created.ID
				rec.EventURL = created.HTMLLink
			}
		}
		if rec.DocInternalID == "" {
			pageID, docErr := h.docInternal.CreatePage(ctx, rowFromRecord(rec))
			if docErr != nil {
				h.logger.Error("internal table create failed", "canonicalId", rec.CanonicalID, "error", docErr)
				errs = append(errs, docErr)
			} else {
				rec.DocInternalID = pageID
			}
		}
		if rec.DocExternalID == "" {
			if h.excludedFromExternal(rec.Title) {
				h.logger.Info("skipping public table for ignored title", "canonicalId", rec.CanonicalID)
			} else {
				pageID, docErr := h.docExternal.CreatePage(ctx, rowFromRecord(rec))
				if docErr != nil {
					h.logger.Error("external table create failed", "canonicalId", rec.CanonicalID, "error", docErr)
					errs = append(errs, docErr)
				} else {
					rec.DocExternalID = pageID
				}
			}
		}

		if _, upErr := h.store.Upsert(rec); upErr != nil {
			errs = append(errs, upErr)
		}
		return errors.Join(errs...)
	})
}

// HandleUpdate propagates edits. An unknown scheduler id is a warning, not
// an implicit create. The calendar is only touched when its identifier is
// already known.
func (h *OriginHandler) HandleUpdate(ctx context.Context, sig OriginSignal) error {
	schedulerID := strings.TrimSpace(sig.SchedulerID)
	if schedulerID == "" {
		return fmt.Errorf("%w: scheduler id on update signal", ErrMissingIdentifier)
	}
	rec, known := h.store.FindBySystemID(SystemScheduler, schedulerID)
	if !known {
		h.logger.Warn("update signal for unknown scheduler event", "schedulerId", schedulerID)
		return nil
	}

	return h.store.WithRecordLock(rec.CanonicalID, func() error {
		rec, err := h.store.FindByCanonicalID(rec.CanonicalID)
		if err != nil {
			return err
		}
		if rec.Archived {
			h.logger.Warn("ignoring update signal for archived record",
				"canonicalId", rec.CanonicalID, "schedulerId", schedulerID)
			return nil
		}
		sig.Fields.applyTo(&rec)
		row := rowFromRecord(rec)
		var errs []error

		if rec.DocInternalID != "" && !rec.DocInternalArchived {
			if docErr := h.docInternal.UpdatePage(ctx, rec.DocInternalID, row); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				h.logger.Error("internal table update failed", "canonicalId", rec.CanonicalID, "error", docErr)
				errs = append(errs, docErr)
			}
		}
		if rec.DocExternalID != "" && !rec.DocExternalArchived {
			if docErr := h.docExternal.UpdatePage(ctx, rec.DocExternalID, row); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				h.logger.Error("external table update failed", "canonicalId", rec.CanonicalID, "error", docErr)
				errs = append(errs, docErr)
			}
		}
		if rec.CalendarID != "" {
			if calErr := h.calendar.UpdateEvent(ctx, rec.CalendarID, sig.Fields); calErr != nil && !errors.Is(calErr, ErrNotFound) {
				h.logger.Error("calendar update failed", "canonicalId", rec.CanonicalID, "error", calErr)
				errs = append(errs, calErr)
			}
		} else {
			h.logger.Warn("no calendar event linked, skipping calendar update", "canonicalId", rec.CanonicalID)
		}

		if _, upErr := h.store.Upsert(rec); upErr != nil {
			errs = append(errs, upErr)
		}
		return errors.Join(errs...)
	})
}

// HandleDelete archives the document rows, deletes the calendar event when
// one is linked, and marks the record terminally archived. Safe to replay.
func (h *OriginHandler) HandleDelete(ctx context.Context, schedulerID string) error {
	schedulerID = strings.TrimSpace(schedulerID)
	if schedulerID == "" {
		return fmt.Errorf("%w: scheduler id on delete signal", ErrMissingIdentifier)
	}
	rec, known := h.store.FindBySystemID(SystemScheduler, schedulerID)
	if !known {
		h.logger.Warn("delete signal for unknown scheduler event", "schedulerId", schedulerID)
		return nil
	}

	return h.store.WithRecordLock(rec.CanonicalID, func() error {
		rec, err := h.store.FindByCanonicalID(rec.CanonicalID)
		if err != nil {
			return err
		}
		var errs []error

		if rec.DocInternalID != "" && !rec.DocInternalArchived {
			if docErr := h.docInternal.ArchivePage(ctx, rec.DocInternalID); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				errs = append(errs, docErr)
			} else if markErr := h.store.MarkDocArchived(rec.CanonicalID, SystemDocInternal); markErr != nil {
				errs = append(errs, markErr)
			}
		}
		if rec.DocExternalID != "" && !rec.DocExternalArchived {
			if docErr := h.docExternal.ArchivePage(ctx, rec.DocExternalID); docErr != nil && !errors.Is(docErr, ErrNotFound) {
				errs = append(errs, docErr)
			} else if markErr := h.store.MarkDocArchived(rec.CanonicalID, SystemDocExternal); markErr != nil {
				errs = append(errs, markErr)
			}
		}
		if rec.CalendarID != "" {
			if calErr := h.calendar.DeleteEvent(ctx, rec.CalendarID); calErr != nil && !errors.Is(calErr, ErrNotFound) {
				errs = append(errs, calErr)
			}
		} else {
			h.logger.Warn("no calendar event linked, skipping calendar delete", "canonicalId", rec.CanonicalID)
		}

		if len(errs) == 0 {
			if markErr := h.store.MarkArchived(rec.CanonicalID); markErr != nil {
				errs = append(errs, markErr)
			}
		}
		return errors.Join(errs...)
	})
}
