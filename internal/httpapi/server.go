package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/triadsync/triadsync/internal/triadsync"
)

type Server struct {
	store      *triadsync.Store
	reconciler *triadsync.Reconciler
	logger     *slog.Logger
}

type ServerOptions struct {
	Store      *triadsync.Store
	Reconciler *triadsync.Reconciler
	Logger     *slog.Logger
}

func NewServer(store *triadsync.Store, reconciler *triadsync.Reconciler) *Server {
	return NewServerWithOptions(ServerOptions{Store: store, Reconciler: reconciler})
}

func NewServerWithOptions(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      opts.Store,
		reconciler: opts.Reconciler,
		logger:     logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/gcal/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case r.URL.Path == "/gcal/sync" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		s.handleManualSync(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleWebhook processes a push notification from the calendar. The channel
// sends no useful payload, only headers; every accepted ping triggers an
// incremental sync pass.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	messageNumber := r.Header.Get("X-Goog-Message-Number")
	resourceState := r.Header.Get("X-Goog-Resource-State")

	registered := s.store.ChannelState()
	if !registered.Registered() || channelID == "" || channelID != registered.ChannelID {
		// Pings from stale or foreign channels are acknowledged so the
		// sender stops retrying, but they never trigger a sync.
		s.logger.Warn("ignoring ping from unknown channel",
			"channelId", channelID,
			"expectedChannelId", registered.ChannelID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if messageNumber != "" {
		if duplicate := s.store.RegisterPing(channelID + ":" + messageNumber); duplicate {
			s.logger.Info("ignoring duplicate ping",
				"channelId", channelID,
				"messageNumber", messageNumber)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	// The first notification after registration is a handshake, not a change.
	if resourceState == "sync" {
		s.logger.Info("channel handshake acknowledged", "channelId", channelID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.reconciler.Sync(r.Context()); err != nil {
		if errors.Is(err, triadsync.ErrSyncInProgress) {
			// The running pass will pick the change up from the cursor.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Error("sync pass failed", "channelId", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", "sync pass failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	if err := s.reconciler.Sync(r.Context()); err != nil {
		if errors.Is(err, triadsync.ErrSyncInProgress) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress"})
			return
		}
		s.logger.Error("manual sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", "sync pass failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
