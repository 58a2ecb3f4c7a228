// Package models defines the core data structures for BeeWell.
//
// It includes the user profile, chat messages, and API envelopes shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	// SenderUser marks a message typed by the user.
	SenderUser Sender = "user"
	// SenderBot marks a message produced by Bee (backend reply, welcome or system notice).
	SenderBot Sender = "bot"
)

// Agent labels used on bot messages.
const (
	// AgentTherapist is the default label for backend replies and the welcome message.
	AgentTherapist = "Therapist"
	// AgentSystem labels client-generated notices such as the chat failure apology.
	AgentSystem = "System"
)

// TimestampLayout matches JavaScript's Date.prototype.toISOString so stored
// records stay byte-compatible with the browser client.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Validation constants for profile input
const (
	// MaxUserNameLength defines the maximum allowed length for a user name
	MaxUserNameLength = 100
)

// Error variables for better error handling and testability
var (
	ErrInvalidProfile   = errors.New("invalid profile")
	ErrEmptyUserName    = errors.New("user name cannot be empty")
	ErrUserNameTooLong  = errors.New("user name exceeds maximum length")
	ErrEmptyTimestamp   = errors.New("profile timestamp cannot be empty")
	ErrInvalidTimestamp = errors.New("profile timestamp is not ISO-8601")
	ErrInvalidSender    = errors.New("invalid message sender")
)

// FormatTimestamp renders t in TimestampLayout (always UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UserProfile is the lightweight profile collected before a chat starts.
// UserName together with Timestamp forms the profile's unique key.
type UserProfile struct {
	UserName        string `json:"userName"`
	UserAge         string `json:"userAge"`
	UserCountry     string `json:"userCountry"`
	FinancialStatus string `json:"financialStatus"`
	HasDiagnosis    bool   `json:"hasDiagnosis"`
	Timestamp       string `json:"timestamp"` // creation time, immutable once set
}

// ProfileForm carries the user-entered profile fields before a timestamp is assigned.
type ProfileForm struct {
	UserName        string `json:"userName"`
	UserAge         string `json:"userAge"`
	UserCountry     string `json:"userCountry"`
	FinancialStatus string `json:"financialStatus"`
	HasDiagnosis    bool   `json:"hasDiagnosis"`
}

// NewUserProfile stamps a form with its creation time.
func NewUserProfile(form ProfileForm, now time.Time) UserProfile {
	return UserProfile{
		UserName:        strings.TrimSpace(form.UserName),
		UserAge:         strings.TrimSpace(form.UserAge),
		UserCountry:     strings.TrimSpace(form.UserCountry),
		FinancialStatus: strings.TrimSpace(form.FinancialStatus),
		HasDiagnosis:    form.HasDiagnosis,
		Timestamp:       FormatTimestamp(now),
	}
}

// Validate checks the fields required to key and persist a profile.
// Every returned error wraps ErrInvalidProfile. Stored profiles are checked
// with Validate alone; see ValidateNew for entered ones.
func (p *UserProfile) Validate() error {
	if strings.TrimSpace(p.UserName) == "" {
		return errors.Join(ErrInvalidProfile, ErrEmptyUserName)
	}
	if p.Timestamp == "" {
		return errors.Join(ErrInvalidProfile, ErrEmptyTimestamp)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		return errors.Join(ErrInvalidProfile, ErrInvalidTimestamp)
	}
	return nil
}

// ValidateNew applies Validate plus the input limits for a profile the user
// is entering now.
func (p *UserProfile) ValidateNew() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(p.UserName) > MaxUserNameLength {
		return errors.Join(ErrInvalidProfile, ErrUserNameTooLong)
	}
	return nil
}

// Summary renders the "name • age • country" line shown above the chat.
func (p *UserProfile) Summary() string {
	return p.UserName + " • " + p.UserAge + " • " + p.UserCountry
}

// ChatMessage is one entry of a transcript.
type ChatMessage struct {
	Sender    Sender `json:"sender"`
	Content   string `json:"content"`   // may contain rendered markup
	AgentType string `json:"agentType"` // empty for user messages
	Timestamp string `json:"timestamp"`
}

// NewUserMessage builds a user-authored message stamped with now.
func NewUserMessage(content string, now time.Time) ChatMessage {
	return ChatMessage{Sender: SenderUser, Content: content, Timestamp: FormatTimestamp(now)}
}

// NewBotMessage builds a bot message with the given agent label stamped with now.
func NewBotMessage(content, agentType string, now time.Time) ChatMessage {
	return ChatMessage{Sender: SenderBot, Content: content, AgentType: agentType, Timestamp: FormatTimestamp(now)}
}

// IsValidSender checks if the given sender is supported.
func IsValidSender(s Sender) bool {
	switch s {
	case SenderUser, SenderBot:
		return true
	default:
		return false
	}
}

// Validate rejects partially-shaped messages read back from storage.
func (m *ChatMessage) Validate() error {
	if !IsValidSender(m.Sender) {
		return ErrInvalidSender
	}
	if m.Timestamp == "" {
		return ErrEmptyTimestamp
	}
	if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
		return ErrInvalidTimestamp
	}
	return nil
}

// Transcript is the ordered, append-only message list of one session.
type Transcript []ChatMessage

// Clone returns an independent copy safe to hand to other goroutines.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return Transcript{}
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Validate checks every message; a single bad entry invalidates the transcript.
func (t Transcript) Validate() error {
	for _, m := range t {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HasUserMessages reports whether anything beyond bot notices was exchanged.
func (t Transcript) HasUserMessages() bool {
	for _, m := range t {
		if m.Sender == SenderUser {
			return true
		}
	}
	return false
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
