package triadsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SystemKind string

const (
	SystemScheduler   SystemKind = "scheduler"
	SystemCalendar    SystemKind = "calendar"
	SystemDocInternal SystemKind = "doc_internal"
	SystemDocExternal SystemKind = "doc_external"
)

// EventRecord is the canonical row for one logical event. External
// identifiers are filled in as the systems acknowledge writes and are never
// cleared by a failure path.
type EventRecord struct {
	CanonicalID   string `json:"canonicalId"`
	SchedulerID   string `json:"schedulerId,omitempty"`
	CalendarID    string `json:"calendarId,omitempty"`
	DocInternalID string `json:"docInternalId,omitempty"`
	DocExternalID string `json:"docExternalId,omitempty"`

	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartTime   time.Time `json:"startTime,omitempty"`
	EndTime     time.Time `json:"endTime,omitempty"`
	CreatorID   string    `json:"creatorId,omitempty"`
	EventURL    string    `json:"eventUrl,omitempty"`

	Archived            bool `json:"archived,omitempty"`
	DocInternalArchived bool `json:"docInternalArchived,omitempty"`
	DocExternalArchived bool `json:"docExternalArchived,omitempty"`

	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

func NewCanonicalID() string {
	return "evt_" + uuid.NewString()
}

func (r EventRecord) SystemID(kind SystemKind) string {
	switch kind {
	case SystemScheduler:
		return r.SchedulerID
	case SystemCalendar:
		return r.CalendarID
	case SystemDocInternal:
		return r.DocInternalID
	case SystemDocExternal:
		return r.DocExternalID
	default:
		return ""
	}
}

func (r *EventRecord) setSystemID(kind SystemKind, id string) {
	switch kind {
	case SystemScheduler:
		r.SchedulerID = id
	case SystemCalendar:
		r.CalendarID = id
	case SystemDocInternal:
		r.DocInternalID = id
	case SystemDocExternal:
		r.DocExternalID = id
	}
}

var systemKinds = []SystemKind{SystemScheduler, SystemCalendar, SystemDocInternal, SystemDocExternal}

// EventFields carries the user-visible content shared by every system. A
// zero End means the event is open-ended.
type EventFields struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	CreatorID   string
}

func (f EventFields) applyTo(rec *EventRecord) {
	if strings.TrimSpace(f.Title) != "" {
		rec.Title = f.Title
	}
	if strings.TrimSpace(f.Description) != "" {
		rec.Description = f.Description
	}
	if strings.TrimSpace(f.Location) != "" {
		rec.Location = f.Location
	}
	if !f.Start.IsZero() {
		rec.StartTime = f.Start
	}
	if !f.End.IsZero() {
		rec.EndTime = f.End
	}
	if strings.TrimSpace(f.CreatorID) != "" {
		rec.CreatorID = f.CreatorID
	}
}

// ChannelState is the singleton push-channel registration plus the change
// cursor it feeds. A SyncToken survives channel renewal but not recovery.
type ChannelState struct {
	ChannelID  string    `json:"channelId,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Expiration time.Time `json:"expiration,omitempty"`
	SyncToken  string    `json:"syncToken,omitempty"`
}

func (c ChannelState) Registered() bool {
	return strings.TrimSpace(c.ChannelID) != ""
}
