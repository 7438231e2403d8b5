package triadsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCalendar struct {
	mu sync.Mutex

	createErr   error
	created     []EventFields
	nextID      int
	updateErr   error
	updated     map[string]EventFields
	deleteErr   error
	deleted     []string
	changesErr  error
	changesFunc func(syncToken string) (ChangeBatch, error)
	batches     []ChangeBatch
	changeCalls []string
	watchErr    error
	watched     []string
	stopErr     error
	stopped     []string
	expiration  time.Time
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		updated:    map[string]EventFields{},
		expiration: time.Now().Add(7 * 24 * time.Hour),
	}
}

func (c *fakeCalendar) CreateEvent(_ context.Context, fields EventFields) (CreatedCalendarEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return CreatedCalendarEvent{}, c.createErr
	}
	c.nextID++
	c.created = append(c.created, fields)
	id := fmt.Sprintf("cal-%d", c.nextID)
	return CreatedCalendarEvent{ID: id, HTMLLink: "https://calendar.example/" + id}, nil
}

func (c *fakeCalendar) UpdateEvent(_ context.Context, calendarID string, fields EventFields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updated[calendarID] = fields
	return nil
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, calendarID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deleted = append(c.deleted, calendarID)
	return nil
}

func (c *fakeCalendar) Changes(_ context.Context, syncToken string) (ChangeBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeCalls = append(c.changeCalls, syncToken)
	if c.changesFunc != nil {
		return c.changesFunc(syncToken)
	}
	if c.changesErr != nil {
		return ChangeBatch{}, c.changesErr
	}
	if len(c.batches) == 0 {
		return ChangeBatch{NextSyncToken: "token-empty"}, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fakeCalendar) Watch(_ context.Context, channelID, address string) (WatchChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchErr != nil {
		return WatchChannel{}, c.watchErr
	}
	c.watched = append(c.watched, channelID+"|"+address)
	return WatchChannel{
		ChannelID:  channelID,
		ResourceID: "resource-" + channelID,
		Expiration: c.expiration,
	}, nil
}

func (c *fakeCalendar) StopChannel(_ context.Context, channelID, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, channelID+"|"+resourceID)
	return c.stopErr
}

type fakeScheduler struct {
	mu        sync.Mutex
	createErr error
	nextID    int
	created   []EventFields
	updateErr error
	updated   map[string]EventFields
	deleteErr error
	deleted   []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{updated: map[string]EventFields{}}
}

func (s *fakeScheduler) CreateEvent(_ context.Context, fields EventFields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	s.created = append(s.created, fields)
	return fmt.Sprintf("sched-%d", s.nextID), nil
}

func (s *fakeScheduler) UpdateEvent(_ context.Context, schedulerID string, fields EventFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updated[schedulerID] = fields
	return nil
}

func (s *fakeScheduler) DeleteEvent(_ context.Context, schedulerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, schedulerID)
	return nil
}

type fakeDocTable struct {
	mu         sync.Mutex
	prefix     string
	createErr  error
	nextID     int
	created    []DocRow
	updateErr  error
	updated    map[string]DocRow
	archiveErr error
	archived   []string
}

func newFakeDocTable(prefix string) *fakeDocTable {
	return &fakeDocTable{prefix: prefix, updated: map[string]DocRow{}}
}

func (d *fakeDocTable) CreatePage(_ context.Context, row DocRow) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextID++
	d.created = append(d.created, row)
	return fmt.Sprintf("%s-%d", d.prefix, d.nextID), nil
}

func (d *fakeDocTable) UpdatePage(_ context.Context, pageID string, row DocRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return d.updateErr
	}
	d.updated[pageID] = row
	return nil
}

func (d *fakeDocTable) ArchivePage(_ context.Context, pageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.archiveErr != nil {
		return d.archiveErr
	}
	d.archived = append(d.archived, pageID)
	return nil
}

func (d *fakeDocTable) archiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.archived)
}
