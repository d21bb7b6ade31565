package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

// Session is the server-side state of one embedded widget instance: the
// conversation registry, the visible chat log, the active turn and the
// reconciliation flags.
//
// All access is serialized through mu. "Concurrency" here is interleaving:
// transport callbacks interleave with navigation requests, and whichever
// turn last validated itself as non-superseded owns the log.
type Session struct {
	mu sync.Mutex

	ID      string
	Context model.EmbedContext

	Registry *Registry
	Log      *ChatLog

	Params *model.AppParams
	Inputs map[string]any

	// restored marks that the visible log came out of the history cache;
	// it is the reentrancy guard that keeps the load policy from running
	// twice for one pointer change.
	restored bool

	// chatStarted mirrors the widget's "has the user begun" flag.
	chatStarted bool

	// createdBecauseOfNew marks that the current pointer change came from
	// starting a fresh conversation, which is what triggers title
	// generation once the turn completes.
	createdBecauseOfNew bool

	responding bool
	turn       *Turn

	lastAccess time.Time
}

func (s *Session) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

// Entries returns a copy of the visible chat log.
func (s *Session) Entries() []model.ChatEntry {
	defer s.lock()()
	return s.Log.Entries()
}

// Responding reports whether a turn is in flight.
func (s *Session) Responding() bool {
	defer s.lock()()
	return s.responding
}

// ChatStarted reports whether the widget has begun chatting.
func (s *Session) ChatStarted() bool {
	defer s.lock()()
	return s.chatStarted
}

// SessionManager keeps the live sessions keyed by session id. Sessions
// idle past the TTL are dropped; their durable state stays in the store
// and is rehydrated on the next bootstrap.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	st       store.Store
	recency  *RecordTypeRecency
	ttl      time.Duration
}

// NewSessionManager creates a manager over the shared store.
func NewSessionManager(st store.Store, recency *RecordTypeRecency, ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		st:       st,
		recency:  recency,
		ttl:      ttl,
	}
}

// Get returns the live session with the given id, if any.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if ok {
		s.lastAccess = time.Now()
	}
	return s, ok
}

// Create registers a fresh session for the given embed context and
// returns it with its generated id.
func (m *SessionManager) Create(ctx model.EmbedContext) *Session {
	s := &Session{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Context:    ctx,
		Registry:   NewRegistry(m.st, m.recency),
		Log:        NewChatLog(nil),
		lastAccess: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	return s
}

// Sweep drops sessions idle past the TTL. Called periodically by main.
func (m *SessionManager) Sweep() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.lastAccess.Before(cutoff) && !s.Responding() {
			delete(m.sessions, id)
		}
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
}
