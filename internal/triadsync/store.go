package triadsync

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type StoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	MaxPingKeys  int
	Logger       *slog.Logger
}

// Store holds every canonical event record, the identifier indexes into the
// three external systems, the push-channel singleton and the ping dedupe
// ring. Every successful mutation is snapshotted through the state backend.
type Store struct {
	mu           sync.RWMutex
	records      map[string]EventRecord
	bySystem     map[SystemKind]map[string]string
	channel      ChannelState
	pingKeys     []string
	pingSeen     map[string]struct{}
	maxPingKeys  int
	stateBackend StateBackend
	logger       *slog.Logger

	recordMu    sync.Mutex
	recordLocks map[string]*sync.Mutex
}

type persistedState struct {
	Records  map[string]EventRecord `json:"records"`
	Channel  ChannelState           `json:"channel"`
	PingKeys []string               `json:"pingKeys,omitempty"`
}

type stateBackendCloser interface {
	Close() error
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxPingKeys := opts.MaxPingKeys
	if maxPingKeys <= 0 {
		maxPingKeys = 1000
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		records:      map[string]EventRecord{},
		bySystem:     map[SystemKind]map[string]string{},
		pingSeen:     map[string]struct{}{},
		maxPingKeys:  maxPingKeys,
		stateBackend: stateBackend,
		logger:       logger,
		recordLocks:  map[string]*sync.Mutex{},
	}
	for _, kind := range systemKinds {
		s.bySystem[kind] = map[string]string{}
	}
	if err := s.loadFromBackend(); err != nil {
		logger.Warn("state load failed, starting empty", "error", err)
	}
	return s
}

func (s *Store) Close() {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for canonicalID, rec := range snapshot.Records {
		if rec.CanonicalID == "" {
			rec.CanonicalID = canonicalID
		}
		s.records[rec.CanonicalID] = rec
		s.indexLocked(rec)
	}
	s.channel = snapshot.Channel
	for _, key := range snapshot.PingKeys {
		if _, dup := s.pingSeen[key]; dup {
			continue
		}
		s.pingKeys = append(s.pingKeys, key)
		s.pingSeen[key] = struct{}{}
	}
	s.trimPingRingLocked()
	return nil
}

func (s *Store) indexLocked(rec EventRecord) {
	for _, kind := range systemKinds {
		if id := rec.SystemID(kind); id != "" {
			s.bySystem[kind][id] = rec.CanonicalID
		}
	}
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := &persistedState{
		Records:  make(map[string]EventRecord, len(s.records)),
		Channel:  s.channel,
		PingKeys: append([]string(nil), s.pingKeys...),
	}
	for canonicalID, rec := range s.records {
		snapshot.Records[canonicalID] = rec
	}
	return s.stateBackend.Save(snapshot)
}

// WithRecordLock serializes mutations for one canonical record. Different
// records proceed concurrently.
func (s *Store) WithRecordLock(canonicalID string, fn func() error) error {
	if strings.TrimSpace(canonicalID) == "" {
		return ErrInvalidInput
	}
	s.recordMu.Lock()
	lock, ok := s.recordLocks[canonicalID]
	if !ok {
		lock = &sync.Mutex{}
		s.recordLocks[canonicalID] = lock
	}
	s.recordMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (s *Store) FindByCanonicalID(canonicalID string) (EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[canonicalID]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *Store) FindBySystemID(kind SystemKind, systemID string) (EventRecord, bool) {
	systemID = strings.TrimSpace(systemID)
	if systemID == "" {
		return EventRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonicalID, ok := s.bySystem[kind][systemID]
	if !ok {
		return EventRecord{}, false
	}
	rec, ok := s.records[canonicalID]
	return rec, ok
}

func (s *Store) ListActive() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Archived {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out
}

// Upsert merges rec into the stored record with the same canonical id,
// creating it when absent. Identifiers are write-once: a populated stored
// identifier is never replaced, and an incoming identifier already bound to
// another record yields an IdentifierConflictError with the store untouched
// for that field. Content fields merge empty-loses. Archival flags only move
// from false to true.
func (s *Store) Upsert(rec EventRecord) (EventRecord, error) {
	if strings.TrimSpace(rec.CanonicalID) == "" {
		return EventRecord{}, fmt.Errorf("%w: canonical id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[rec.CanonicalID]
	if !exists {
		current = EventRecord{CanonicalID: rec.CanonicalID}
	}
	var conflictErr error
	for _, kind := range systemKinds {
		incoming := strings.TrimSpace(rec.SystemID(kind))
		if incoming == "" {
			continue
		}
		if existing := current.SystemID(kind); existing != "" {
			if existing != incoming {
				s.logger.Warn("ignoring conflicting identifier",
					"canonicalId", rec.CanonicalID, "system", string(kind),
					"kept", existing, "ignored", incoming)
			}
			continue
		}
		if owner, claimed := s.bySystem[kind][incoming]; claimed && owner != rec.CanonicalID {
			conflictErr = &IdentifierConflictError{
				System:      kind,
				SystemID:    incoming,
				CanonicalID: rec.CanonicalID,
				ClaimedBy:   owner,
			}
			continue
		}
		current.setSystemID(kind, incoming)
		s.bySystem[kind][incoming] = rec.CanonicalID
	}

	if strings.TrimSpace(rec.Title) != "" {
		current.Title = rec.Title
	}
	if strings.TrimSpace(rec.Description) != "" {
		current.Description = rec.Description
	}
	if strings.TrimSpace(rec.Location) != "" {
		current.Location = rec.Location
	}
	if !rec.StartTime.IsZero() {
		current.StartTime = rec.StartTime
	}
	if !rec.EndTime.IsZero() {
		current.EndTime = rec.EndTime
	}
	if strings.TrimSpace(rec.CreatorID) != "" {
		current.CreatorID = rec.CreatorID
	}
	if strings.TrimSpace(rec.EventURL) != "" {
		current.EventURL = rec.EventURL
	}
	current.Archived = current.Archived || rec.Archived
	current.DocInternalArchived = current.DocInternalArchived || rec.DocInternalArchived
	current.DocExternalArchived = current.DocExternalArchived || rec.DocExternalArchived
	current.LastSyncedAt = time.Now().UTC()

	s.records[current.CanonicalID] = current
	if err := s.saveLocked(); err != nil {
		return current, err
	}
	return current, conflictErr
}

func (s *Store) MarkArchived(canonicalID string) error {
	return s.markLocked(canonicalID, func(rec *EventRecord) {
		rec.Archived = true
	})
}

// MarkDocArchived flags one document representation archived and promotes
// the record to fully archived once both are.
func (s *Store) MarkDocArchived(canonicalID string, kind SystemKind) error {
	if kind != SystemDocInternal && kind != SystemDocExternal {
		return fmt.Errorf("%w: %s is not a document representation", ErrInvalidInput, kind)
	}
	return s.markLocked(canonicalID, func(rec *EventRecord) {
		if kind == SystemDocInternal {
			rec.DocInternalArchived = true
		} else {
			rec.DocExternalArchived = true
		}
		if rec.DocInternalArchived && rec.DocExternalArchived {
			rec.Archived = true
		}
	})
}

func (s *Store) markLocked(canonicalID string, apply func(*EventRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[canonicalID]
	if !ok {
		return ErrNotFound
	}
	apply(&rec)
	rec.LastSyncedAt = time.Now().UTC()
	s.records[canonicalID] = rec
	return s.saveLocked()
}

func (s *Store) ChannelState() ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

func (s *Store) SetChannelState(state ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = state
	return s.saveLocked()
}

// SetSyncToken persists the cursor without touching the registration.
func (s *Store) SetSyncToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel.SyncToken = token
	return s.saveLocked()
}

// ReloadChannelState re-reads only the channel section of the snapshot. Used
// when another process (the watch CLI) rewrote the backing state.
func (s *Store) ReloadChannelState() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = snapshot.Channel
	return nil
}

// RegisterPing records a webhook delivery key and reports whether it was
// already seen. The ring is bounded; the oldest keys age out.
func (s *Store) RegisterPing(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.pingSeen[key]; dup {
		return true
	}
	s.pingKeys = append(s.pingKeys, key)
	s.pingSeen[key] = struct{}{}
	s.trimPingRingLocked()
	_ = s.saveLocked()
	return false
}

func (s *Store) trimPingRingLocked() {
	for len(s.pingKeys) > s.maxPingKeys {
		oldest := s.pingKeys[0]
		s.pingKeys = s.pingKeys[1:]
		delete(s.pingSeen, oldest)
	}
}
