// Package chat drives the send/receive cycle between the user, the session
// and the Bee backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/BeeWell/internal/gateway"
	"github.com/BTreeMap/BeeWell/internal/markdown"
	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/BTreeMap/BeeWell/internal/session"
)

// User-facing texts.
const (
	ApologyMessage    = "I'm experiencing some technical difficulties. Please try again in a moment."
	ProfileSetupAlert = "There was an error setting up your profile. Please try again."

	ConfirmNewChat    = "Are you sure you want to start a new chat? This will clear your current chat history. And you will not be able to access this chat again."
	ConfirmEndSession = "Are you sure you want to create new user profile? This will clear your current user profile and chat history and you will not be able to access it again."
)

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrReplyPending       = errors.New("a reply is already pending")
	ErrProfileSetupFailed = errors.New("profile setup failed")
)

// Backend is the part of the gateway the controller needs.
type Backend interface {
	SubmitProfile(ctx context.Context, profile models.UserProfile) (*gateway.Ack, error)
	SendChatMessage(ctx context.Context, message string, profile models.UserProfile, transcript models.Transcript, sessionID string) (*gateway.ChatReply, error)
}

// State is the controller's conversation state.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply
)

func (s State) String() string {
	if s == StateAwaitingReply {
		return "awaiting_reply"
	}
	return "idle"
}

// StateObserver is called after every Idle/AwaitingReply transition.
type StateObserver func(State)

// Option configures a Controller.
type Option func(*Controller)

// WithRenderer sets the Markdown step applied to backend replies.
func WithRenderer(r markdown.Renderer) Option {
	return func(c *Controller) {
		if r != nil {
			c.render = r
		}
	}
}

// WithObserver registers a typing-indicator callback.
func WithObserver(fn StateObserver) Option {
	return func(c *Controller) {
		c.observe = fn
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller serialises chat turns. At most one reply is awaited at a time.
type Controller struct {
	sessions *session.Manager
	backend  Backend
	render   markdown.Renderer
	observe  StateObserver
	now      func() time.Time

	mu       sync.Mutex
	awaiting bool
	cancel   context.CancelFunc
}

// NewController wires a controller to its session manager and backend.
func NewController(sessions *session.Manager, backend Backend, opts ...Option) *Controller {
	c := &Controller{
		sessions: sessions,
		backend:  backend,
		render:   markdown.NewHTML(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sessions exposes the underlying session manager.
func (c *Controller) Sessions() *session.Manager {
	return c.sessions
}

// Typing reports whether a reply is being awaited.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

// State reports the conversation state.
func (c *Controller) State() State {
	if c.Typing() {
		return StateAwaitingReply
	}
	return StateIdle
}

// Send appends the user's message, asks the backend for a reply and appends
// the reply (or an apology if the call failed). It returns the bot message
// that was appended.
//
// ErrEmptyMessage and ErrReplyPending leave the transcript untouched.
// session.ErrStaleSession means the session was reset while the reply was in
// flight and the reply was dropped. If ctx is cancelled before the reply
// arrives, ctx.Err() is returned and nothing is appended.
func (c *Controller) Send(ctx context.Context, text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.awaiting {
		c.mu.Unlock()
		slog.Debug("Controller.Send: reply pending, dropping message")
		return models.ChatMessage{}, ErrReplyPending
	}
	if err := c.sessions.AppendMessage(models.NewUserMessage(text, c.now())); err != nil {
		c.mu.Unlock()
		return models.ChatMessage{}, err
	}
	snap := c.sessions.Snapshot()
	if snap.User == nil {
		c.mu.Unlock()
		return models.ChatMessage{}, session.ErrNoSession
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.awaiting = true
	c.cancel = cancel
	c.mu.Unlock()
	c.notify(StateAwaitingReply)

	defer func() {
		cancel()
		c.mu.Lock()
		c.awaiting = false
		c.cancel = nil
		c.mu.Unlock()
		c.notify(StateIdle)
	}()

	var msg models.ChatMessage
	reply, err := c.backend.SendChatMessage(reqCtx, text, *snap.User, snap.Transcript, snap.SessionID)
	if err != nil && ctx.Err() != nil {
		// The caller went away; nobody is waiting for an apology.
		slog.Info("Controller.Send: caller cancelled", "sessionID", snap.SessionID, "error", ctx.Err())
		return models.ChatMessage{}, ctx.Err()
	}
	if err != nil {
		slog.Error("Controller.Send: backend call failed", "error", err, "sessionID", snap.SessionID)
		msg = models.NewBotMessage(ApologyMessage, models.AgentSystem, c.now())
	} else {
		agent := reply.Agent
		if agent == "" {
			agent = models.AgentTherapist
		}
		msg = models.NewBotMessage(c.render.Render(reply.Response), agent, c.now())
	}

	if err := c.sessions.AppendMessageIfCurrent(snap.Generation, msg); err != nil {
		slog.Info("Controller.Send: reply dropped", "sessionID", snap.SessionID, "reason", err)
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// CreateProfile stamps the form, submits it to the backend and starts a
// session only if the backend accepted it.
func (c *Controller) CreateProfile(ctx context.Context, form models.ProfileForm) (models.UserProfile, error) {
	profile := models.NewUserProfile(form, c.now())
	if err := profile.ValidateNew(); err != nil {
		return models.UserProfile{}, err
	}
	if c.sessions.State() == session.StateActive {
		return models.UserProfile{}, session.ErrSessionActive
	}

	if _, err := c.backend.SubmitProfile(ctx, profile); err != nil {
		slog.Error("Controller.CreateProfile: backend rejected profile", "error", err, "userName", profile.UserName)
		return models.UserProfile{}, fmt.Errorf("%w: %w", ErrProfileSetupFailed, err)
	}
	if err := c.sessions.CreateSession(profile); err != nil {
		return models.UserProfile{}, err
	}
	slog.Info("Controller.CreateProfile: profile created", "userName", profile.UserName)
	return profile, nil
}

// NewChat abandons any pending reply and starts a fresh transcript.
func (c *Controller) NewChat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked("new chat")
	return c.sessions.NewChat()
}

// EndSession abandons any pending reply and signs the user out.
func (c *Controller) EndSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked("end session")
	return c.sessions.EndSession()
}

func (c *Controller) cancelPendingLocked(reason string) {
	if c.cancel != nil {
		slog.Debug("Controller: cancelling pending reply", "reason", reason)
		c.cancel()
	}
}

func (c *Controller) notify(s State) {
	if c.observe != nil {
		c.observe(s)
	}
}
