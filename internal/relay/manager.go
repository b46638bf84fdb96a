package relay

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmarchetti/vela/internal/observability"
	"github.com/dmarchetti/vela/internal/store"
	"github.com/dmarchetti/vela/internal/upstream"
)

// Close reasons surfaced in the final session event and the close hook.
const (
	CloseReasonClient   = "client_close"
	CloseReasonExpired  = "expired"
	CloseReasonUpstream = "upstream_closed"
	CloseReasonError    = "upstream_error"
	CloseReasonSend     = "send_failed"
	CloseReasonShutdown = "shutdown"
)

// Options configures a Manager. Zero values fall back to safe defaults.
type Options struct {
	TTL               time.Duration
	MaxSessions       int
	EventQueueSize    int
	SystemInstruction string

	Metrics *observability.Metrics
	Latency *observability.LatencyWindow
}

// Manager owns the session registry: it creates sessions against the upstream
// dialer, pumps upstream events into per-session relays, enforces the TTL and
// capacity limits, and tears everything down exactly once per session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	dialer upstream.Dialer
	store  store.Store

	ttl               time.Duration
	maxSessions       int
	queueSize         int
	systemInstruction string

	metrics *observability.Metrics
	latency *observability.LatencyWindow

	// now is replaceable in tests so stale-session eviction can be
	// exercised without waiting out a TTL.
	now func() time.Time

	onClose func(sessionID, reason string)
}

func NewManager(dialer upstream.Dialer, st store.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 8
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = 256
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		dialer:            dialer,
		store:             st,
		ttl:               opts.TTL,
		maxSessions:       opts.MaxSessions,
		queueSize:         opts.EventQueueSize,
		systemInstruction: opts.SystemInstruction,
		metrics:           opts.Metrics,
		latency:           opts.Latency,
		now:               time.Now,
	}
}

// SetCloseHook registers a callback invoked after a session is fully torn
// down. Called outside the manager lock.
func (m *Manager) SetCloseHook(hook func(sessionID, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = hook
}

// Create provisions a new session: generates the secret, dials upstream, arms
// the TTL timer and starts the event pump. A caller-chosen id must be unused;
// an empty id gets a generated one. An empty systemInstruction falls back to
// the manager-wide default.
func (m *Manager) Create(ctx context.Context, requestedID, systemInstruction string) (CreateResult, error) {
	id := strings.TrimSpace(requestedID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(systemInstruction) == "" {
		systemInstruction = m.systemInstruction
	}

	secret, err := newSecret()
	if err != nil {
		return CreateResult{}, err
	}

	createdAt := m.now().UTC()
	s := &Session{
		ID:         id,
		CreatedAt:  createdAt,
		secretHash: secretDigest(secret),
		relay:      NewEventRelay(m.queueSize),
	}

	// Timers normally remove expired sessions on their own; the sweep here
	// covers timer lag so a full registry of stale sessions cannot starve
	// new creations.
	if m.Count() >= m.maxSessions {
		m.evictStale()
	}

	// Reserve the slot before dialing so concurrent creates with the same
	// id (or at the capacity edge) resolve under the lock, not at the
	// provider.
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return CreateResult{}, ErrConflict
	}
	if m.activeCountLocked() >= m.maxSessions {
		m.mu.Unlock()
		return CreateResult{}, ErrAtCapacity
	}
	m.sessions[id] = s
	m.mu.Unlock()

	// The gauge tracks registry entries, so it moves with the reservation:
	// whichever path removes the entry (dial failure here, or a concurrent
	// closeSession) owns the matching decrement.
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}

	adapter, events, err := m.dialer.Dial(ctx, id, systemInstruction)
	if err != nil {
		m.mu.Lock()
		reserved := m.sessions[id] == s
		if reserved {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		// If a concurrent close already tore the reservation down, its
		// closeSession run released the relay and balanced the gauge.
		if reserved {
			if m.metrics != nil {
				m.metrics.ActiveSessions.Dec()
			}
			s.relay.Close()
		}
		return CreateResult{}, fmt.Errorf("dial upstream: %w", err)
	}

	// Re-check under the lock: a Close or Shutdown may have won while the
	// dial was in flight. The closed record must not be resurrected, and
	// the freshly dialed upstream connection must be released.
	m.mu.Lock()
	if m.sessions[id] != s || s.closed {
		m.mu.Unlock()
		if cerr := adapter.Close(); cerr != nil {
			log.Printf("session %s: release adapter after concurrent close: %v", id, cerr)
		}
		return CreateResult{}, fmt.Errorf("session %s closed during setup", id)
	}
	s.adapter = adapter
	s.expiry = time.AfterFunc(m.ttl, func() {
		m.closeSession(id, CloseReasonExpired)
	})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues("created").Inc()
	}

	go m.pumpEvents(s, events)

	return CreateResult{
		ID:        id,
		Secret:    secret,
		ExpiresAt: createdAt.Add(m.ttl),
	}, nil
}

// ValidateSecret reports whether the candidate matches the session's secret.
// Unknown ids compare against a zero digest so the timing profile does not
// reveal which ids exist.
func (m *Manager) ValidateSecret(sessionID, candidate string) bool {
	var stored [sha256.Size]byte
	known := false

	m.mu.RLock()
	if s, ok := m.sessions[sessionID]; ok && !s.closed {
		stored = s.secretHash
		known = true
	}
	m.mu.RUnlock()

	return digestsEqual(stored, secretDigest(candidate)) && known
}

// Subscribe returns the session's event stream. The channel closes when the
// session ends.
func (m *Manager) Subscribe(sessionID string) (<-chan upstream.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.closed {
		return nil, ErrNotFound
	}
	return s.relay.Events(), nil
}

// SendAudio forwards one base64 PCM chunk to the upstream session.
func (m *Manager) SendAudio(ctx context.Context, sessionID, audioBase64, mimeType string) error {
	adapter, err := m.liveAdapter(sessionID)
	if err != nil {
		return err
	}
	if err := adapter.SendAudio(ctx, audioBase64, mimeType); err != nil {
		return m.failSend(sessionID, err)
	}
	return nil
}

// SendText forwards a typed user message, committing a turn.
func (m *Manager) SendText(ctx context.Context, sessionID, text string) error {
	adapter, err := m.liveAdapter(sessionID)
	if err != nil {
		return err
	}
	if err := adapter.SendText(ctx, text); err != nil {
		return m.failSend(sessionID, err)
	}
	return nil
}

// SendAudioEnd signals the end of the user's audio stream.
func (m *Manager) SendAudioEnd(ctx context.Context, sessionID string) error {
	adapter, err := m.liveAdapter(sessionID)
	if err != nil {
		return err
	}
	if err := adapter.SendAudioEnd(ctx); err != nil {
		return m.failSend(sessionID, err)
	}
	return nil
}

// Close ends a session at the client's request. Idempotent: closing an
// already-closed or unknown session is a no-op.
func (m *Manager) Close(sessionID string) {
	m.closeSession(sessionID, CloseReasonClient)
}

// Shutdown closes every live session. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.closeSession(id, CloseReasonShutdown)
	}
}

// evictStale closes sessions whose expiry window has passed. Runs only when a
// creation would otherwise be rejected for capacity.
func (m *Manager) evictStale() {
	cutoff := m.now().UTC().Add(-m.ttl)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if !s.closed && s.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.closeSession(id, CloseReasonExpired)
	}
}

// Count reports live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

// Has reports whether a live session exists for the id.
func (m *Manager) Has(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return ok && !s.closed
}

// Ready reports whether the upstream handshake completed for the session.
func (m *Manager) Ready(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return ok && !s.closed && s.ready
}

// Transcripts returns persisted transcripts for the session, oldest first.
func (m *Manager) Transcripts(ctx context.Context, sessionID string, limit int) ([]store.TranscriptRecord, error) {
	return m.store.BySession(ctx, sessionID, limit)
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, s := range m.sessions {
		if !s.closed {
			count++
		}
	}
	return count
}

// liveAdapter resolves the adapter for a live session without holding the
// lock across the upstream write.
func (m *Manager) liveAdapter(sessionID string) (upstream.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.closed || s.adapter == nil {
		return nil, ErrNotFound
	}
	return s.adapter, nil
}

// failSend publishes the failure to the session's subscribers and tears the
// session down, then returns the original error to the caller.
func (m *Manager) failSend(sessionID string, sendErr error) error {
	m.publish(sessionID, upstream.Event{
		Type:      upstream.EventError,
		Code:      "send_failed",
		Detail:    sendErr.Error(),
		Timestamp: time.Now().UnixMilli(),
	})
	m.closeSession(sessionID, CloseReasonSend)
	return sendErr
}

func (m *Manager) publish(sessionID string, ev upstream.Event) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !s.relay.Publish(ev) {
		if m.metrics != nil {
			m.metrics.DroppedEvents.Inc()
		}
		m.latency.ObserveIndicator("dropped_event")
	}
}

// pumpEvents drains the upstream event channel for the session's lifetime.
// It is the only goroutine that mutates transcript builders, and it flips
// the ready flag under the manager lock so a fast handshake cannot race the
// session becoming visible.
func (m *Manager) pumpEvents(s *Session, events <-chan upstream.Event) {
	var firstAudioSeen bool

	for ev := range events {
		if m.metrics != nil {
			m.metrics.UpstreamEvents.WithLabelValues(string(ev.Type)).Inc()
		}

		switch ev.Type {
		case upstream.EventOpen:
			m.mu.Lock()
			s.ready = true
			m.mu.Unlock()
			m.latency.Observe("create_to_ready", time.Since(s.CreatedAt))

		case upstream.EventAudio:
			if !firstAudioSeen {
				firstAudioSeen = true
				m.latency.Observe("create_to_first_audio", time.Since(s.CreatedAt))
			}

		case upstream.EventInputTranscription:
			s.appendUserTranscript(ev.Text)

		case upstream.EventOutputTranscription:
			s.appendAssistantTranscript(ev.Text)

		case upstream.EventInterrupted:
			// The model's partial answer was cancelled; drop it rather
			// than persisting half an utterance.
			s.discardAssistantTranscript()
			m.latency.ObserveIndicator("barge_in")

		case upstream.EventTurnComplete:
			m.persistTurn(s)
			firstAudioSeen = false

		case upstream.EventError:
			if m.metrics != nil {
				m.metrics.UpstreamErrors.WithLabelValues(ev.Code).Inc()
			}
			m.publish(s.ID, ev)
			m.closeSession(s.ID, CloseReasonError)
			return

		case upstream.EventClosed:
			m.closeSession(s.ID, CloseReasonUpstream)
			return
		}

		m.publish(s.ID, ev)
	}

	// Upstream reader exited without a closed event.
	m.closeSession(s.ID, CloseReasonUpstream)
}

// persistTurn flushes accumulated transcription deltas as one user record and
// one assistant record. Empty sides are skipped.
func (m *Manager) persistTurn(s *Session) {
	user, assistant := s.takeTranscripts()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if strings.TrimSpace(user) != "" {
		if err := m.store.SaveTranscript(ctx, store.TranscriptRecord{
			SessionID: s.ID,
			Role:      "user",
			Text:      user,
		}); err != nil {
			log.Printf("session %s: persist user transcript: %v", s.ID, err)
		}
	}
	if strings.TrimSpace(assistant) != "" {
		if err := m.store.SaveTranscript(ctx, store.TranscriptRecord{
			SessionID: s.ID,
			Role:      "assistant",
			Text:      assistant,
		}); err != nil {
			log.Printf("session %s: persist assistant transcript: %v", s.ID, err)
		}
	}
}

// closeSession is the single teardown path: it marks the session closed,
// stops the TTL timer, closes the upstream adapter, emits the final closed
// event and removes the registry entry. Concurrent callers settle on one
// winner; for the rest it is a no-op.
func (m *Manager) closeSession(sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.closed {
		m.mu.Unlock()
		return false
	}
	s.closed = true
	if s.expiry != nil {
		s.expiry.Stop()
	}
	adapter := s.adapter
	delete(m.sessions, sessionID)
	hook := m.onClose
	m.mu.Unlock()

	// Flush whatever transcription arrived since the last turn boundary.
	m.persistTurn(s)

	if adapter != nil {
		if err := adapter.Close(); err != nil {
			log.Printf("session %s: close upstream: %v", sessionID, err)
		}
	}

	s.relay.Publish(upstream.Event{
		Type:      upstream.EventClosed,
		Code:      reason,
		Timestamp: time.Now().UnixMilli(),
	})
	s.relay.Close()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionEvents.WithLabelValues(reason).Inc()
		m.metrics.ObserveSessionDuration(time.Since(s.CreatedAt))
	}
	m.latency.Observe("session_total", time.Since(s.CreatedAt))

	if hook != nil {
		hook(sessionID, reason)
	}
	return true
}
