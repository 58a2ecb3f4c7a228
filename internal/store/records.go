// Package store provides storage backends for BeeWell.
//
// This file implements the typed record layer on top of a key-value Store.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/BeeWell/internal/models"
)

// Record keys. The layout is shared with the browser client and must not change
// without a migration.
const (
	KeyUser             = "user"
	KeyTheme            = "theme"
	TranscriptKeyPrefix = "beewell_chat_history_"
	SessionIDKeyPrefix  = "beewell_session_id_"
)

// SessionIDPrefix is the required prefix of every stored session id.
const SessionIDPrefix = "session_"

// ErrPersistenceReadCorrupt marks a stored record that failed to parse or validate.
// It is logged and treated as absent; callers never receive it.
var ErrPersistenceReadCorrupt = errors.New("persisted record is corrupt")

// TranscriptKey returns the transcript record key for a UserKey.
func TranscriptKey(userKey string) string {
	return TranscriptKeyPrefix + userKey
}

// SessionIDKey returns the session id record key for a UserKey.
func SessionIDKey(userKey string) string {
	return SessionIDKeyPrefix + userKey
}

// ValidSessionID reports whether id has the session_<...> shape.
func ValidSessionID(id string) bool {
	return strings.HasPrefix(id, SessionIDPrefix) && len(id) > len(SessionIDPrefix)
}

// Theme is the persisted colour scheme preference.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// DefaultTheme is used when no preference has been stored.
const DefaultTheme = ThemeDark

// ErrInvalidTheme is returned by ParseTheme for unknown values.
var ErrInvalidTheme = errors.New("theme must be dark or light")

// ParseTheme validates a theme name.
func ParseTheme(s string) (Theme, error) {
	switch Theme(strings.ToLower(strings.TrimSpace(s))) {
	case ThemeDark:
		return ThemeDark, nil
	case ThemeLight:
		return ThemeLight, nil
	default:
		return "", ErrInvalidTheme
	}
}

// Toggle returns the opposite theme.
func (t Theme) Toggle() Theme {
	if t == ThemeDark {
		return ThemeLight
	}
	return ThemeDark
}

// WriteFailure describes a persistence write or delete that did not succeed.
type WriteFailure struct {
	Op  string // "set" or "remove"
	Key string
	Err error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("persistence %s %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

// WriteFailureHandler receives PersistenceWriteFailed events.
type WriteFailureHandler func(WriteFailure)

// Records reads and writes typed BeeWell records. Read problems are reported as
// absence and write problems as a false return plus a WriteFailure event; no
// persistence error ever reaches the caller.
type Records struct {
	kv Store

	mu        sync.RWMutex
	onFailure WriteFailureHandler
	failures  atomic.Int64
}

// NewRecords wraps a key-value Store.
func NewRecords(kv Store) *Records {
	return &Records{kv: kv}
}

// OnWriteFailure registers the PersistenceWriteFailed event handler.
func (r *Records) OnWriteFailure(h WriteFailureHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure = h
}

// WriteFailures returns how many writes have failed since creation.
func (r *Records) WriteFailures() int64 {
	return r.failures.Load()
}

// LoadProfile returns the current user profile, or false when absent or corrupt.
func (r *Records) LoadProfile() (*models.UserProfile, bool) {
	var p models.UserProfile
	if !r.readJSON(KeyUser, &p, p.Validate) {
		return nil, false
	}
	return &p, true
}

// SaveProfile persists the current user profile.
func (r *Records) SaveProfile(p models.UserProfile) bool {
	return r.writeJSON(KeyUser, p)
}

// RemoveProfile deletes the generic user record.
func (r *Records) RemoveProfile() bool {
	return r.remove(KeyUser)
}

// LoadTranscript returns the transcript stored for userKey. A missing or
// corrupt record yields an empty transcript and false.
func (r *Records) LoadTranscript(userKey string) (models.Transcript, bool) {
	var t models.Transcript
	if !r.readJSON(TranscriptKey(userKey), &t, func() error { return t.Validate() }) {
		return models.Transcript{}, false
	}
	if t == nil {
		t = models.Transcript{}
	}
	return t, true
}

// SaveTranscript persists the full transcript for userKey.
func (r *Records) SaveTranscript(userKey string, t models.Transcript) bool {
	if t == nil {
		t = models.Transcript{}
	}
	return r.writeJSON(TranscriptKey(userKey), t)
}

// LoadSessionID returns the session id stored for userKey.
func (r *Records) LoadSessionID(userKey string) (string, bool) {
	key := SessionIDKey(userKey)
	raw, ok := r.readRaw(key)
	if !ok {
		return "", false
	}
	if !ValidSessionID(raw) {
		slog.Warn("Records.LoadSessionID: discarding malformed session id", "key", key, "error", ErrPersistenceReadCorrupt)
		return "", false
	}
	return raw, true
}

// SaveSessionID persists the session id for userKey as a raw string.
func (r *Records) SaveSessionID(userKey, id string) bool {
	return r.write(SessionIDKey(userKey), id)
}

// RemoveUserRecords deletes the transcript and session id records of userKey.
func (r *Records) RemoveUserRecords(userKey string) bool {
	okTranscript := r.remove(TranscriptKey(userKey))
	okSession := r.remove(SessionIDKey(userKey))
	return okTranscript && okSession
}

// LoadTheme returns the stored theme preference.
func (r *Records) LoadTheme() (Theme, bool) {
	raw, ok := r.readRaw(KeyTheme)
	if !ok {
		return DefaultTheme, false
	}
	theme, err := ParseTheme(raw)
	if err != nil {
		slog.Warn("Records.LoadTheme: discarding unknown theme", "value", raw, "error", ErrPersistenceReadCorrupt)
		return DefaultTheme, false
	}
	return theme, true
}

// SaveTheme persists the theme preference.
func (r *Records) SaveTheme(t Theme) bool {
	return r.write(KeyTheme, string(t))
}

func (r *Records) readRaw(key string) (string, bool) {
	raw, ok, err := r.kv.Get(key)
	if err != nil {
		slog.Warn("Records: read failed, treating record as absent", "key", key, "error", err)
		return "", false
	}
	return raw, ok
}

// readJSON decodes key into v and runs validate. Any failure is logged as
// ErrPersistenceReadCorrupt and reported as absence.
func (r *Records) readJSON(key string, v any, validate func() error) bool {
	raw, ok := r.readRaw(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.Warn("Records: malformed JSON record", "key", key, "error", errors.Join(ErrPersistenceReadCorrupt, err))
		return false
	}
	if validate != nil {
		if err := validate(); err != nil {
			slog.Warn("Records: record failed validation", "key", key, "error", errors.Join(ErrPersistenceReadCorrupt, err))
			return false
		}
	}
	return true
}

func (r *Records) writeJSON(key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		r.fail(WriteFailure{Op: "set", Key: key, Err: err})
		return false
	}
	return r.write(key, string(data))
}

func (r *Records) write(key, value string) bool {
	if err := r.kv.Set(key, value); err != nil {
		r.fail(WriteFailure{Op: "set", Key: key, Err: err})
		return false
	}
	return true
}

func (r *Records) remove(key string) bool {
	if err := r.kv.Remove(key); err != nil {
		r.fail(WriteFailure{Op: "remove", Key: key, Err: err})
		return false
	}
	return true
}

func (r *Records) fail(f WriteFailure) {
	n := r.failures.Add(1)
	slog.Error("Records: persistence write failed, keeping in-memory state", "op", f.Op, "key", f.Key, "error", f.Err, "failures", n)
	r.mu.RLock()
	h := r.onFailure
	r.mu.RUnlock()
	if h != nil {
		h(f)
	}
}
