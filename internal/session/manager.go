// Package session owns the active BeeWell user session: the current profile,
// its transcript and session id, and their persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/BTreeMap/BeeWell/internal/store"
)

// DefaultProbeTimeout bounds the background continuity probe.
const DefaultProbeTimeout = 3 * time.Second

var (
	ErrNoSession     = errors.New("no active session")
	ErrSessionActive = errors.New("a session is already active")
	ErrStaleSession  = errors.New("session changed since the message was produced")
)

// State is the session lifecycle state.
type State int

const (
	StateNoSession State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	default:
		return "no_session"
	}
}

// ContinuityChecker asks the backend whether it can resume a restored session.
type ContinuityChecker interface {
	CheckContinuity(ctx context.Context, profile models.UserProfile, transcript models.Transcript, sessionID string) error
}

// WelcomeMessage returns the greeting that opens every new transcript.
func WelcomeMessage(userName string) string {
	return fmt.Sprintf(`Hello %s! 🐝 I'm Bee, your mental health companion. I'm here to provide emotional support, information related to mental health or disorders and help you find resources when you need them.

I can help you with:
<ul>
<li> Emotional support and active listening</li>
<li> Coping strategies and mindfulness techniques</li>
<li> Mental health resources and helplines</li>
<li> Information on various disorders based on symptoms</li>
<li> General guidance on wellness</li>
</ul>
Feel free to share what's on your mind. Everything we discuss is private and I'm here to support you without judgment. How are you feeling today?`, userName)
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	State      State               `json:"-"`
	Active     bool                `json:"active"`
	User       *models.UserProfile `json:"user,omitempty"`
	UserKey    string              `json:"user_key,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	Transcript models.Transcript   `json:"transcript"`
	Generation uint64              `json:"-"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// WithContinuityChecker enables the background probe on RestoreSession.
func WithContinuityChecker(c ContinuityChecker, timeout time.Duration) Option {
	return func(m *Manager) {
		m.checker = c
		if timeout > 0 {
			m.probeTimeout = timeout
		}
	}
}

// Manager holds {currentUser, transcript, sessionId} behind one mutex and keeps
// the persisted records in step with them.
type Manager struct {
	records *store.Records

	mu         sync.Mutex
	state      State
	user       *models.UserProfile
	userKey    string
	transcript models.Transcript
	sessionID  string
	generation uint64

	now          func() time.Time
	newID        IDGenerator
	checker      ContinuityChecker
	probeTimeout time.Duration
	probes       sync.WaitGroup
}

// NewManager creates a Manager in the NoSession state.
func NewManager(records *store.Records, opts ...Option) *Manager {
	m := &Manager{
		records:      records,
		state:        StateNoSession,
		transcript:   models.Transcript{},
		now:          time.Now,
		newID:        NewSessionID,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	slog.Debug("session.NewManager: created", "probe_enabled", m.checker != nil, "probe_timeout", m.probeTimeout)
	return m
}

// CreateSession starts a session for a freshly submitted profile.
func (m *Manager) CreateSession(profile models.UserProfile) error {
	if err := profile.Validate(); err != nil {
		slog.Warn("Manager.CreateSession: invalid profile", "error", err)
		return err
	}
	key, err := models.DeriveKey(profile)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		return ErrSessionActive
	}

	p := profile
	m.user = &p
	m.userKey = key
	m.transcript = models.Transcript{}
	m.sessionID = m.newID(m.now())
	m.generation++
	m.state = StateActive

	m.records.SaveProfile(p)
	m.records.SaveSessionID(key, m.sessionID)
	m.records.SaveTranscript(key, m.transcript)
	m.appendLocked(models.NewBotMessage(WelcomeMessage(p.UserName), models.AgentTherapist, m.now()))

	slog.Info("Manager.CreateSession: session created", "userKey", key, "sessionID", m.sessionID)
	return nil
}

// RestoreSession rebuilds the session from persisted records. It returns false
// when no valid user record exists.
func (m *Manager) RestoreSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		return true
	}

	profile, ok := m.records.LoadProfile()
	if !ok {
		slog.Debug("Manager.RestoreSession: no stored profile")
		return false
	}
	key, err := models.DeriveKey(*profile)
	if err != nil {
		slog.Warn("Manager.RestoreSession: stored profile has no usable key", "error", err)
		return false
	}

	transcript, hadTranscript := m.records.LoadTranscript(key)
	sessionID, ok := m.records.LoadSessionID(key)
	if !ok {
		sessionID = m.newID(m.now())
		m.records.SaveSessionID(key, sessionID)
		slog.Info("Manager.RestoreSession: generated missing session id", "userKey", key, "sessionID", sessionID)
	}

	m.user = profile
	m.userKey = key
	m.transcript = transcript
	m.sessionID = sessionID
	m.generation++
	m.state = StateActive

	slog.Info("Manager.RestoreSession: session restored", "userKey", key, "sessionID", sessionID,
		"messages", len(transcript), "hadTranscript", hadTranscript)

	if m.checker != nil {
		m.startProbeLocked()
	}
	return true
}

// NewChat clears the transcript and rotates the session id, keeping the profile.
// The caller is responsible for asking the user to confirm.
func (m *Manager) NewChat() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return ErrNoSession
	}

	m.transcript = models.Transcript{}
	m.sessionID = m.newID(m.now())
	m.generation++

	m.records.SaveTranscript(m.userKey, m.transcript)
	m.records.SaveSessionID(m.userKey, m.sessionID)
	m.appendLocked(models.NewBotMessage(WelcomeMessage(m.user.UserName), models.AgentTherapist, m.now()))

	slog.Info("Manager.NewChat: started new chat", "userKey", m.userKey, "sessionID", m.sessionID)
	return nil
}

// EndSession removes every record of the current user and returns to NoSession.
// The caller is responsible for asking the user to confirm.
func (m *Manager) EndSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return ErrNoSession
	}

	key := m.userKey
	m.records.RemoveUserRecords(key)
	m.records.RemoveProfile()

	m.user = nil
	m.userKey = ""
	m.transcript = models.Transcript{}
	m.sessionID = ""
	m.generation++
	m.state = StateNoSession

	slog.Info("Manager.EndSession: session ended", "userKey", key)
	return nil
}

// AppendMessage appends msg to the transcript and persists it.
func (m *Manager) AppendMessage(msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return ErrNoSession
	}
	m.appendLocked(msg)
	return nil
}

// AppendMessageIfCurrent appends msg only if the session has not been created,
// reset or ended since generation was observed.
func (m *Manager) AppendMessageIfCurrent(generation uint64, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return ErrNoSession
	}
	if generation != m.generation {
		slog.Debug("Manager.AppendMessageIfCurrent: dropping stale message", "observed", generation, "current", m.generation)
		return ErrStaleSession
	}
	m.appendLocked(msg)
	return nil
}

func (m *Manager) appendLocked(msg models.ChatMessage) {
	m.transcript = append(m.transcript, msg)
	m.records.SaveTranscript(m.userKey, m.transcript)
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:      m.state,
		Active:     m.state == StateActive,
		UserKey:    m.userKey,
		SessionID:  m.sessionID,
		Transcript: m.transcript.Clone(),
		Generation: m.generation,
	}
	if m.user != nil {
		u := *m.user
		s.User = &u
	}
	return s
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation changes on every create, restore, new chat and end.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// NeedsConfirmation reports whether discarding the transcript would lose
// anything the user wrote.
func (m *Manager) NeedsConfirmation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive && m.transcript.HasUserMessages()
}

// Teardown waits for outstanding continuity probes.
func (m *Manager) Teardown() {
	m.probes.Wait()
	slog.Debug("Manager.Teardown: complete")
}

// startProbeLocked launches the continuity probe on copies of the restored
// state. Its outcome is only logged.
func (m *Manager) startProbeLocked() {
	profile := *m.user
	transcript := m.transcript.Clone()
	sessionID := m.sessionID
	checker := m.checker
	timeout := m.probeTimeout

	m.probes.Add(1)
	go func() {
		defer m.probes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := checker.CheckContinuity(ctx, profile, transcript, sessionID); err != nil {
			slog.Warn("continuity probe failed", "sessionID", sessionID, "error", err)
			return
		}
		slog.Debug("continuity probe succeeded", "sessionID", sessionID)
	}()
}
