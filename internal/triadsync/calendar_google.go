package triadsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const initialChangeLookback = 30 * 24 * time.Hour

type GoogleCalendarOptions struct {
	CalendarID string
	// Service-account credentials, either inline JSON or a file path. One of
	// the two must be set unless Service is injected.
	CredentialsJSON []byte
	CredentialsFile string
	Service         *calendar.Service
	Logger          *slog.Logger
}

// GoogleCalendarClient is the calendar representation plus the change feed
// and push-channel surface behind it.
type GoogleCalendarClient struct {
	service    *calendar.Service
	calendarID string
	logger     *slog.Logger
}

func NewGoogleCalendarClient(ctx context.Context, opts GoogleCalendarOptions) (*GoogleCalendarClient, error) {
	calendarID := strings.TrimSpace(opts.CalendarID)
	if calendarID == "" {
		return nil, fmt.Errorf("%w: calendar id is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	service := opts.Service
	if service == nil {
		credentials := opts.CredentialsJSON
		if len(credentials) == 0 && strings.TrimSpace(opts.CredentialsFile) != "" {
			data, err := os.ReadFile(opts.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read calendar credentials: %w", err)
			}
			credentials = data
		}
		if len(credentials) == 0 {
			return nil, fmt.Errorf("%w: calendar credentials are required", ErrInvalidInput)
		}
		config, err := google.JWTConfigFromJSON(credentials, calendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("parse calendar credentials: %w", err)
		}
		service, err = calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
		if err != nil {
			return nil, fmt.Errorf("create calendar service: %w", err)
		}
	}
	return &GoogleCalendarClient{
		service:    service,
		calendarID: calendarID,
		logger:     logger,
	}, nil
}

func (c *GoogleCalendarClient) CreateEvent(ctx context.Context, fields EventFields) (CreatedCalendarEvent, error) {
	event := calendarEventBody(fields)
	created, err := c.service.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return CreatedCalendarEvent{}, mapCalendarError(err)
	}
	return CreatedCalendarEvent{ID: created.Id, HTMLLink: created.HtmlLink}, nil
}

func (c *GoogleCalendarClient) UpdateEvent(ctx context.Context, calendarID string, fields EventFields) error {
	if strings.TrimSpace(calendarID) == "" {
		return fmt.Errorf("%w: calendar event id", ErrMissingIdentifier)
	}
	_, err := c.service.Events.Patch(c.calendarID, calendarID, calendarEventBody(fields)).Context(ctx).Do()
	return mapCalendarError(err)
}

func (c *GoogleCalendarClient) DeleteEvent(ctx context.Context, calendarID string) error {
	if strings.TrimSpace(calendarID) == "" {
		return fmt.Errorf("%w: calendar event id", ErrMissingIdentifier)
	}
	err := c.service.Events.Delete(c.calendarID, calendarID).Context(ctx).Do()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 410 {
		// Deleting an already-deleted event reports 410, not 404.
		return fmt.Errorf("%w: calendar event", ErrNotFound)
	}
	return mapCalendarError(err)
}

// Changes pages through the change feed. With an empty token the recent
// window is enumerated and a fresh cursor minted; an expired token comes
// back as ErrStaleToken.
func (c *GoogleCalendarClient) Changes(ctx context.Context, syncToken string) (ChangeBatch, error) {
	batch := ChangeBatch{}
	pageToken := ""
	for {
		call := c.service.Events.List(c.calendarID).
			SingleEvents(true).
			ShowDeleted(true).
			MaxResults(250).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.UpdatedMin(time.Now().UTC().Add(-initialChangeLookback).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return ChangeBatch{}, mapCalendarError(err)
		}
		for _, item := range page.Items {
			batch.Events = append(batch.Events, fromCalendarItem(item))
		}
		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			continue
		}
		batch.NextSyncToken = page.NextSyncToken
		return batch, nil
	}
}

func (c *GoogleCalendarClient) Watch(ctx context.Context, channelID, address string) (WatchChannel, error) {
	if strings.TrimSpace(channelID) == "" || strings.TrimSpace(address) == "" {
		return WatchChannel{}, fmt.Errorf("%w: channel id and address are required", ErrInvalidInput)
	}
	channel, err := c.service.Events.Watch(c.calendarID, &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
	}).Context(ctx).Do()
	if err != nil {
		return WatchChannel{}, mapCalendarError(err)
	}
	return WatchChannel{
		ChannelID:  channel.Id,
		ResourceID: channel.ResourceId,
		Expiration: time.UnixMilli(channel.Expiration).UTC(),
	}, nil
}

func (c *GoogleCalendarClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	if strings.TrimSpace(channelID) == "" || strings.TrimSpace(resourceID) == "" {
		return fmt.Errorf("%w: channel id and resource id are required", ErrInvalidInput)
	}
	return mapCalendarError(c.service.Channels.Stop(&calendar.Channel{
		Id:         channelID,
		ResourceId: resourceID,
	}).Context(ctx).Do())
}

func calendarEventBody(fields EventFields) *calendar.Event {
	event := &calendar.Event{
		Summary:     fields.Title,
		Description: fields.Description,
		Location:    fields.Location,
	}
	if !fields.Start.IsZero() {
		event.Start = &calendar.EventDateTime{DateTime: fields.Start.UTC().Format(time.RFC3339)}
	}
	end := fields.End
	if end.IsZero() && !fields.Start.IsZero() {
		end = fields.Start.Add(time.Hour)
	}
	if !end.IsZero() {
		event.End = &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339)}
	}
	return event
}

func fromCalendarItem(item *calendar.Event) CalendarEvent {
	event := CalendarEvent{
		ID:          item.Id,
		Status:      item.Status,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		HTMLLink:    item.HtmlLink,
	}
	event.Start = parseEventTime(item.Start)
	event.End = parseEventTime(item.End)
	return event
}

func parseEventTime(edt *calendar.EventDateTime) time.Time {
	if edt == nil {
		return time.Time{}
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t.UTC()
		}
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func mapCalendarError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 410:
			return fmt.Errorf("%w: %s", ErrStaleToken, apiErr.Message)
		case apiErr.Code == 404:
			return fmt.Errorf("%w: calendar event", ErrNotFound)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return Transient(err)
		}
		return err
	}
	// Network-level failures are retryable.
	return Transient(err)
}
