package triviastream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Session scoped keys shared by the loading and display views.
const (
	KeyQuestions = "quiz_questions"
	KeyComplete  = "quiz_complete"
	KeyShuffled  = "quiz_shuffled_questions"
	KeyAnswers   = "quiz_answers"
	KeyTotal     = "quiz_questions_total"
	KeyTopic     = "quiz_topic"
)

// ErrNoSession is returned when a session has no persisted quiz.
var ErrNoSession = errors.New("no quiz in this session")

// SessionStore is string key/value storage namespaced by session ID.
type SessionStore interface {
	// Get returns the value of key and whether it is set.
	Get(ctx context.Context, sessionID, key string) (string, bool, error)
	// Set writes all values at once.
	Set(ctx context.Context, sessionID string, values map[string]string) error
	// Clear removes every key of the session.
	Clear(ctx context.Context, sessionID string) error
}

// Purger is implemented by stores that need expired sessions removed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
	updated  map[string]time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]string),
		updated:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, sessionID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.sessions[sessionID][key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, sessionID string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = make(map[string]string, len(values))
		m.sessions[sessionID] = s
	}
	for k, v := range values {
		s[k] = v
	}
	m.updated[sessionID] = m.now()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.updated, sessionID)
	return nil
}

// PurgeExpired drops sessions not written to for longer than ttl and returns
// how many were removed.
func (m *MemoryStore) PurgeExpired(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	var n int64
	for id, at := range m.updated {
		if at.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.updated, id)
			n++
		}
	}
	return n, nil
}

// ObservedStore wraps a SessionStore and notifies watchers of a session after every
// write to it. Notifications coalesce: a watcher that falls behind receives one
// pending signal, never a backlog, and must re-read the state.
type ObservedStore struct {
	SessionStore

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func NewObservedStore(inner SessionStore) *ObservedStore {
	return &ObservedStore{
		SessionStore: inner,
		watchers:     make(map[string]map[chan struct{}]struct{}),
	}
}

func (o *ObservedStore) Set(ctx context.Context, sessionID string, values map[string]string) error {
	if err := o.SessionStore.Set(ctx, sessionID, values); err != nil {
		return err
	}
	o.notify(sessionID)
	return nil
}

func (o *ObservedStore) Clear(ctx context.Context, sessionID string) error {
	if err := o.SessionStore.Clear(ctx, sessionID); err != nil {
		return err
	}
	o.notify(sessionID)
	return nil
}

// Watch subscribes to changes of a session. Call the returned func to unsubscribe.
func (o *ObservedStore) Watch(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	o.mu.Lock()
	set, ok := o.watchers[sessionID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		o.watchers[sessionID] = set
	}
	set[ch] = struct{}{}
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.watchers[sessionID], ch)
			if len(o.watchers[sessionID]) == 0 {
				delete(o.watchers, sessionID)
			}
		})
	}
}

func (o *ObservedStore) notify(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for ch := range o.watchers[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SessionState reads and writes the persisted quiz of one session.
type SessionState struct {
	store SessionStore
	id    string
}

func NewSessionState(store SessionStore, sessionID string) *SessionState {
	return &SessionState{store: store, id: sessionID}
}

// ID returns the session ID
func (s *SessionState) ID() string { return s.id }

// Reset discards the previous quiz and starts an empty one.
func (s *SessionState) Reset(ctx context.Context, topic string, total int) error {
	if err := s.store.Clear(ctx, s.id); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return s.store.Set(ctx, s.id, map[string]string{
		KeyTopic:     topic,
		KeyTotal:     strconv.Itoa(total),
		KeyComplete:  "false",
		KeyQuestions: "[]",
	})
}

// Clear removes the quiz from the session
func (s *SessionState) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.id)
}

// SaveProgress persists the accumulated question list and the completion flag.
func (s *SessionState) SaveProgress(ctx context.Context, questions []Question, complete bool, total int) error {
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("failed to encode questions: %w", err)
	}
	return s.store.Set(ctx, s.id, map[string]string{
		KeyQuestions: string(data),
		KeyComplete:  strconv.FormatBool(complete),
		KeyTotal:     strconv.Itoa(total),
	})
}

func (s *SessionState) Questions(ctx context.Context) ([]Question, error) {
	var questions []Question
	err := s.getJSON(ctx, KeyQuestions, &questions)
	return questions, err
}

func (s *SessionState) Shuffled(ctx context.Context) ([]ShuffledQuestion, error) {
	var shuffled []ShuffledQuestion
	err := s.getJSON(ctx, KeyShuffled, &shuffled)
	return shuffled, err
}

func (s *SessionState) SaveShuffled(ctx context.Context, shuffled []ShuffledQuestion) error {
	return s.setJSON(ctx, KeyShuffled, shuffled)
}

func (s *SessionState) Answers(ctx context.Context) ([]AnsweredQuestion, error) {
	var answers []AnsweredQuestion
	err := s.getJSON(ctx, KeyAnswers, &answers)
	return answers, err
}

func (s *SessionState) SaveAnswers(ctx context.Context, answers []AnsweredQuestion) error {
	return s.setJSON(ctx, KeyAnswers, answers)
}

// Exists reports whether a quiz has been started in the session.
func (s *SessionState) Exists(ctx context.Context) (bool, error) {
	_, ok, err := s.store.Get(ctx, s.id, KeyQuestions)
	return ok, err
}

func (s *SessionState) Complete(ctx context.Context) (bool, error) {
	v, _, err := s.store.Get(ctx, s.id, KeyComplete)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (s *SessionState) Total(ctx context.Context) (int, error) {
	v, ok, err := s.store.Get(ctx, s.id, KeyTotal)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", KeyTotal, v, err)
	}
	return n, nil
}

func (s *SessionState) Topic(ctx context.Context) (string, error) {
	v, _, err := s.store.Get(ctx, s.id, KeyTopic)
	return v, err
}

func (s *SessionState) getJSON(ctx context.Context, key string, dst any) error {
	v, ok, err := s.store.Get(ctx, s.id, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok || v == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *SessionState) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.store.Set(ctx, s.id, map[string]string{key: string(data)})
}
