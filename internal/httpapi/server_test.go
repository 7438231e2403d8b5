package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/triadsync/triadsync/internal/triadsync"
)

type stubCalendar struct {
	mu          sync.Mutex
	changesErr  error
	changesFunc func() (triadsync.ChangeBatch, error)
	changeCalls int
}

func (c *stubCalendar) CreateEvent(context.Context, triadsync.EventFields) (triadsync.CreatedCalendarEvent, error) {
	return triadsync.CreatedCalendarEvent{}, errors.New("not used")
}

func (c *stubCalendar) UpdateEvent(context.Context, string, triadsync.EventFields) error {
	return errors.New("not used")
}

func (c *stubCalendar) DeleteEvent(context.Context, string) error {
	return errors.New("not used")
}

func (c *stubCalendar) Changes(context.Context, string) (triadsync.ChangeBatch, error) {
	c.mu.Lock()
	c.changeCalls++
	fn := c.changesFunc
	err := c.changesErr
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	if err != nil {
		return triadsync.ChangeBatch{}, err
	}
	return triadsync.ChangeBatch{NextSyncToken: "tok-1"}, nil
}

func (c *stubCalendar) Watch(_ context.Context, channelID, _ string) (triadsync.WatchChannel, error) {
	return triadsync.WatchChannel{ChannelID: channelID, ResourceID: "res-1", Expiration: time.Now().Add(time.Hour)}, nil
}

func (c *stubCalendar) StopChannel(context.Context, string, string) error {
	return nil
}

func (c *stubCalendar) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changeCalls
}

type stubDocTable struct{}

func (stubDocTable) CreatePage(context.Context, triadsync.DocRow) (string, error) { return "pg-1", nil }
func (stubDocTable) UpdatePage(context.Context, string, triadsync.DocRow) error   { return nil }
func (stubDocTable) ArchivePage(context.Context, string) error                    { return nil }

type stubScheduler struct{}

func (stubScheduler) CreateEvent(context.Context, triadsync.EventFields) (string, error) {
	return "sched-1", nil
}
func (stubScheduler) UpdateEvent(context.Context, string, triadsync.EventFields) error { return nil }
func (stubScheduler) DeleteEvent(context.Context, string) error                        { return nil }

func newServerFixture(t *testing.T) (*Server, *triadsync.Store, *stubCalendar) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := triadsync.NewStoreWithOptions(triadsync.StoreOptions{Logger: logger})
	calendar := &stubCalendar{}
	channels := triadsync.NewChannelManager(triadsync.ChannelManagerOptions{
		Store:    store,
		Calendar: calendar,
		Address:  "https://hooks.example/gcal",
		Logger:   logger,
	})
	reconciler := triadsync.NewReconciler(triadsync.ReconcilerOptions{
		Store:       store,
		Calendar:    calendar,
		Scheduler:   stubScheduler{},
		DocInternal: stubDocTable{},
		DocExternal: stubDocTable{},
		Channels:    channels,
		Logger:      logger,
	})
	server := NewServerWithOptions(ServerOptions{Store: store, Reconciler: reconciler, Logger: logger})
	return server, store, calendar
}

func registerChannel(t *testing.T, store *triadsync.Store, channelID string) {
	t.Helper()
	if err := store.SetChannelState(triadsync.ChannelState{
		ChannelID:  channelID,
		ResourceID: "res-1",
		Expiration: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed channel failed: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newServerFixture(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server, _, _ := newServerFixture(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func webhookRequest(channelID, messageNumber, resourceState string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/gcal/webhook", nil)
	if channelID != "" {
		req.Header.Set("X-Goog-Channel-Id", channelID)
	}
	if messageNumber != "" {
		req.Header.Set("X-Goog-Message-Number", messageNumber)
	}
	if resourceState != "" {
		req.Header.Set("X-Goog-Resource-State", resourceState)
	}
	return req
}

func TestWebhookTriggersSyncPass(t *testing.T) {
	server, store, calendar := newServerFixture(t)
	registerChannel(t, store, "chan-1")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("chan-1", "1", "exists"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if calendar.calls() != 1 {
		t.Fatalf("expected one sync fetch, got %d", calendar.calls())
	}
}

func TestWebhookIgnoresUnknownChannel(t *testing.T) {
	server, store, calendar := newServerFixture(t)
	registerChannel(t, store, "chan-1")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("chan-stale", "1", "exists"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stale channel pings are acknowledged, got %d", rec.Code)
	}
	if calendar.calls() != 0 {
		t.Fatalf("stale channel must not trigger a sync")
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("", "2", "exists"))
	if rec.Code != http.StatusNoContent || calendar.calls() != 0 {
		t.Fatalf("missing channel header must not trigger a sync")
	}
}

func TestWebhookDeduplicatesDeliveries(t *testing.T) {
	server, store, calendar := newServerFixture(t)
	registerChannel(t, store, "chan-1")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, webhookRequest("chan-1", "7", "exists"))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("unexpected status on delivery %d: %d", i, rec.Code)
		}
	}
	if calendar.calls() != 1 {
		t.Fatalf("duplicate delivery must not re-sync, got %d fetches", calendar.calls())
	}

	// A new message number on the same channel syncs again.
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("chan-1", "8", "exists"))
	if rec.Code != http.StatusNoContent || calendar.calls() != 2 {
		t.Fatalf("fresh message number should sync: %d fetches", calendar.calls())
	}
}

func TestWebhookHandshakeDoesNotSync(t *testing.T) {
	server, store, calendar := newServerFixture(t)
	registerChannel(t, store, "chan-1")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("chan-1", "1", "sync"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if calendar.calls() != 0 {
		t.Fatalf("handshake must not trigger a sync")
	}
}

func TestWebhookReportsFailedSync(t *testing.T) {
	server, store, calendar := newServerFixture(t)
	registerChannel(t, store, "chan-1")
	calendar.changesErr = errors.New("calendar down")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("chan-1", "1", "exists"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed sync should be a 500 so the push retries, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["code"] != "sync_failed" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestOverlappingTriggerIsAcknowledged(t *testing.T) {
	server, store, calendar := newServerFixture(t)
	registerChannel(t, store, "chan-1")
	started := make(chan struct{})
	release := make(chan struct{})
	calendar.changesFunc = func() (triadsync.ChangeBatch, error) {
		close(started)
		<-release
		return triadsync.ChangeBatch{NextSyncToken: "tok-1"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, webhookRequest("chan-1", "1", "exists"))
		if rec.Code != http.StatusNoContent {
			t.Errorf("long pass should still succeed: %d", rec.Code)
		}
	}()
	<-started

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, webhookRequest("chan-1", "2", "exists"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ping during a running pass should be acknowledged, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gcal/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("manual trigger during a running pass should report, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "in_progress" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	close(release)
	<-done
	if calendar.calls() != 1 {
		t.Fatalf("only the first trigger should fetch, got %d", calendar.calls())
	}
}

func TestManualSyncEndpoint(t *testing.T) {
	server, _, calendar := newServerFixture(t)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gcal/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if calendar.calls() != 1 {
		t.Fatalf("manual trigger should sync")
	}

	calendar.changesErr = errors.New("calendar down")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gcal/sync", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed manual sync should report, got %d", rec.Code)
	}
}
