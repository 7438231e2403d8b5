package triadsync

import (
	"context"
	"time"
)

// SchedulerClient writes to the guild scheduling surface. Implementations
// map upstream 404s to ErrNotFound and rate limits or 5xx to transient
// errors; callers treat ErrNotFound on update and delete as success.
type SchedulerClient interface {
	CreateEvent(ctx context.Context, fields EventFields) (string, error)
	UpdateEvent(ctx context.Context, schedulerID string, fields EventFields) error
	DeleteEvent(ctx context.Context, schedulerID string) error
}

type CalendarEvent struct {
	ID          string
	Status      string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	HTMLLink    string
}

func (e CalendarEvent) Cancelled() bool {
	return e.Status == "cancelled"
}

type ChangeBatch struct {
	Events        []CalendarEvent
	NextSyncToken string
}

type CreatedCalendarEvent struct {
	ID       string
	HTMLLink string
}

type WatchChannel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// CalendarClient writes to the calendar and drives the change feed. Changes
// with an empty syncToken enumerates the recent window and mints a fresh
// cursor; an expired cursor surfaces as ErrStaleToken.
type CalendarClient interface {
	CreateEvent(ctx context.Context, fields EventFields) (CreatedCalendarEvent, error)
	UpdateEvent(ctx context.Context, calendarID string, fields EventFields) error
	DeleteEvent(ctx context.Context, calendarID string) error
	Changes(ctx context.Context, syncToken string) (ChangeBatch, error)
	Watch(ctx context.Context, channelID, address string) (WatchChannel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// DocRow is one event's projection into a document table. Empty fields are
// omitted on create and left untouched on update.
type DocRow struct {
	Title           string
	Notes           string
	Start           time.Time
	End             time.Time
	SchedulerID     string
	CreatorID       string
	EventURL        string
	CalendarEventID string
	Location        string
}

// DocTableClient writes to one document database table. Archive is the only
// delete the table supports.
type DocTableClient interface {
	CreatePage(ctx context.Context, row DocRow) (string, error)
	UpdatePage(ctx context.Context, pageID string, row DocRow) error
	ArchivePage(ctx context.Context, pageID string) error
}

func rowFromRecord(rec EventRecord) DocRow {
	return DocRow{
		Title:           rec.Title,
		Notes:           rec.Description,
		Start:           rec.StartTime,
		End:             rec.EndTime,
		SchedulerID:     rec.SchedulerID,
		CreatorID:       rec.CreatorID,
		EventURL:        rec.EventURL,
		CalendarEventID: rec.CalendarID,
		Location:        rec.Location,
	}
}
