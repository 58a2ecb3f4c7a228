package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/BTreeMap/BeeWell/internal/store"
	"go.uber.org/goleak"
)

func anaProfile() models.UserProfile {
	return models.UserProfile{
		UserName:        "Ana",
		UserAge:         "29",
		UserCountry:     "Portugal",
		FinancialStatus: "stable",
		Timestamp:       "2024-01-01T00:00:00Z",
	}
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestManager(kv store.Store, opts ...Option) *Manager {
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	return NewManager(store.NewRecords(kv), opts...)
}

func TestCreateSessionStartsWithWelcome(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	if err := m.CreateSession(anaProfile()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := m.Snapshot()
	if !snap.Active || snap.State != StateActive {
		t.Fatalf("expected active session, got %v", snap.State)
	}
	if len(snap.Transcript) != 1 {
		t.Fatalf("expected welcome message only, got %d messages", len(snap.Transcript))
	}
	w := snap.Transcript[0]
	if w.Sender != models.SenderBot || w.AgentType != models.AgentTherapist || !strings.Contains(w.Content, "Hello Ana!") {
		t.Errorf("unexpected welcome message %+v", w)
	}
	if !store.ValidSessionID(snap.SessionID) {
		t.Errorf("unexpected session id %q", snap.SessionID)
	}
	if snap.UserKey != "Ana_2024-01-01T00:00:00Z" {
		t.Errorf("unexpected user key %q", snap.UserKey)
	}
}

func TestCreateSessionRejectsInvalidProfile(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	p := anaProfile()
	p.UserName = ""
	if err := m.CreateSession(p); !errors.Is(err, models.ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
	if m.State() != StateNoSession {
		t.Error("invalid profile must not start a session")
	}
	if len(kv.Keys()) != 0 {
		t.Errorf("invalid profile must not persist anything, found %v", kv.Keys())
	}
}

func TestCreateSessionWhileActive(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	m.CreateSession(anaProfile())
	if err := m.CreateSession(anaProfile()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("expected ErrSessionActive, got %v", err)
	}
}

func TestCreateThenRestoreReproducesState(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	if err := m.CreateSession(anaProfile()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := m.Snapshot()

	reloaded := newTestManager(kv)
	if !reloaded.RestoreSession() {
		t.Fatal("expected RestoreSession to succeed")
	}
	after := reloaded.Snapshot()
	if after.SessionID != before.SessionID {
		t.Errorf("session id changed across reload: %q -> %q", before.SessionID, after.SessionID)
	}
	if len(after.Transcript) != len(before.Transcript) {
		t.Fatalf("transcript length changed: %d -> %d", len(before.Transcript), len(after.Transcript))
	}
	for i := range before.Transcript {
		if before.Transcript[i] != after.Transcript[i] {
			t.Errorf("message %d differs: %+v vs %+v", i, before.Transcript[i], after.Transcript[i])
		}
	}
	if *after.User != *before.User {
		t.Errorf("profile differs after reload")
	}
}

func TestScenarioAnaSaysHi(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	sid := m.Snapshot().SessionID
	if err := m.AppendMessage(models.NewUserMessage("hi", time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := newTestManager(kv)
	if !reloaded.RestoreSession() {
		t.Fatal("expected restore to return true")
	}
	snap := reloaded.Snapshot()
	if len(snap.Transcript) != 2 {
		t.Fatalf("expected 2 messages (welcome + hi), got %d", len(snap.Transcript))
	}
	if snap.Transcript[1].Content != "hi" || snap.Transcript[1].Sender != models.SenderUser {
		t.Errorf("unexpected second message %+v", snap.Transcript[1])
	}
	if snap.SessionID != sid {
		t.Errorf("session id changed: %q -> %q", sid, snap.SessionID)
	}
}

func TestAppendManyThenReloadKeepsOrder(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	const n = 25
	for i := 0; i < n; i++ {
		sender := models.NewUserMessage(fmt.Sprintf("msg-%d", i), time.Now())
		if i%2 == 1 {
			sender = models.NewBotMessage(fmt.Sprintf("msg-%d", i), models.AgentTherapist, time.Now())
		}
		if err := m.AppendMessage(sender); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	reloaded := newTestManager(kv)
	reloaded.RestoreSession()
	tr := reloaded.Snapshot().Transcript
	if len(tr) != n+1 {
		t.Fatalf("expected %d messages, got %d", n+1, len(tr))
	}
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("msg-%d", i); tr[i+1].Content != want {
			t.Errorf("position %d: expected %q, got %q", i+1, want, tr[i+1].Content)
		}
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	m.CreateSession(anaProfile())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.AppendMessage(models.NewUserMessage(fmt.Sprintf("m%d", i), time.Now()))
		}(i)
	}
	wg.Wait()
	if got := len(m.Snapshot().Transcript); got != 51 {
		t.Errorf("expected 51 messages, got %d", got)
	}
}

func TestNewChatKeepsUserRotatesSession(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	m.AppendMessage(models.NewUserMessage("hi", time.Now()))
	before := m.Snapshot()

	if err := m.NewChat(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := m.Snapshot()
	if *after.User != *before.User || after.UserKey != before.UserKey {
		t.Error("NewChat must keep the current user and key")
	}
	if after.SessionID == before.SessionID {
		t.Error("NewChat must rotate the session id")
	}
	if len(after.Transcript) != 1 || after.Transcript[0].Sender != models.SenderBot {
		t.Errorf("expected only a fresh welcome, got %+v", after.Transcript)
	}
	if after.Generation == before.Generation {
		t.Error("NewChat must bump the generation")
	}

	reloaded := newTestManager(kv)
	reloaded.RestoreSession()
	if got := reloaded.Snapshot(); got.SessionID != after.SessionID || len(got.Transcript) != 1 {
		t.Errorf("new chat not persisted: %q, %d messages", got.SessionID, len(got.Transcript))
	}
}

func TestEndSessionRemovesAllRecords(t *testing.T) {
	kv := store.NewInMemoryStore()
	kv.Set(store.KeyTheme, "light")
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	key := m.Snapshot().UserKey

	if err := m.EndSession(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, k := range []string{store.KeyUser, store.TranscriptKey(key), store.SessionIDKey(key)} {
		if _, ok, _ := kv.Get(k); ok {
			t.Errorf("record %q still present after EndSession", k)
		}
	}
	if _, ok, _ := kv.Get(store.KeyTheme); !ok {
		t.Error("EndSession must not clear the theme preference")
	}
	snap := m.Snapshot()
	if snap.Active || snap.User != nil || snap.SessionID != "" || len(snap.Transcript) != 0 {
		t.Errorf("in-memory state not reset: %+v", snap)
	}
	if newTestManager(kv).RestoreSession() {
		t.Error("RestoreSession must return false after EndSession")
	}
}

func TestOperationsRequireActiveSession(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	if err := m.AppendMessage(models.NewUserMessage("hi", time.Now())); !errors.Is(err, ErrNoSession) {
		t.Errorf("AppendMessage: expected ErrNoSession, got %v", err)
	}
	if err := m.NewChat(); !errors.Is(err, ErrNoSession) {
		t.Errorf("NewChat: expected ErrNoSession, got %v", err)
	}
	if err := m.EndSession(); !errors.Is(err, ErrNoSession) {
		t.Errorf("EndSession: expected ErrNoSession, got %v", err)
	}
}

func TestRestoreKeepsLongStoredName(t *testing.T) {
	kv := store.NewInMemoryStore()
	p := anaProfile()
	p.UserName = strings.Repeat("a", models.MaxUserNameLength+20)
	if !store.NewRecords(kv).SaveProfile(p) {
		t.Fatal("SaveProfile failed")
	}

	m := newTestManager(kv)
	if !m.RestoreSession() {
		t.Fatal("a stored profile with a long name must restore")
	}
	if got := m.Snapshot().User.UserName; got != p.UserName {
		t.Errorf("unexpected user name %q", got)
	}
}

func TestRestoreWithoutUserRecord(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	if m.RestoreSession() {
		t.Error("expected false with empty store")
	}
	if m.State() != StateNoSession {
		t.Error("expected to stay in NoSession")
	}
}

func TestRestoreWithCorruptTranscript(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	key := m.Snapshot().UserKey
	sid := m.Snapshot().SessionID
	kv.Set(store.TranscriptKey(key), "{{{ not json")

	reloaded := newTestManager(kv)
	if !reloaded.RestoreSession() {
		t.Fatal("corrupt transcript must not block restore")
	}
	snap := reloaded.Snapshot()
	if len(snap.Transcript) != 0 {
		t.Errorf("expected empty transcript, got %d messages", len(snap.Transcript))
	}
	if snap.SessionID != sid {
		t.Errorf("session id should survive transcript corruption")
	}
}

func TestRestoreWithCorruptProfile(t *testing.T) {
	kv := store.NewInMemoryStore()
	kv.Set(store.KeyUser, `{"userName": ""}`)
	if newTestManager(kv).RestoreSession() {
		t.Error("profile without a name must not restore")
	}
}

func TestRestoreGeneratesMissingSessionID(t *testing.T) {
	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	key := m.Snapshot().UserKey
	kv.Remove(store.SessionIDKey(key))

	reloaded := newTestManager(kv, WithIDGenerator(func(time.Time) string { return "session_42_healed" }))
	if !reloaded.RestoreSession() {
		t.Fatal("missing session id must not block restore")
	}
	if sid := reloaded.Snapshot().SessionID; sid != "session_42_healed" {
		t.Errorf("expected generated session id, got %q", sid)
	}
	if v, ok, _ := kv.Get(store.SessionIDKey(key)); !ok || v != "session_42_healed" {
		t.Errorf("generated session id not persisted: %q ok=%v", v, ok)
	}
}

func TestRestoreReturningUserWithNoHistory(t *testing.T) {
	kv := store.NewInMemoryStore()
	r := store.NewRecords(kv)
	r.SaveProfile(anaProfile())

	m := newTestManager(kv)
	if !m.RestoreSession() {
		t.Fatal("user record alone is a valid restore")
	}
	snap := m.Snapshot()
	if len(snap.Transcript) != 0 {
		t.Errorf("expected zero messages, got %d", len(snap.Transcript))
	}
	if !store.ValidSessionID(snap.SessionID) {
		t.Errorf("expected generated session id, got %q", snap.SessionID)
	}
}

func TestAppendMessageIfCurrentDropsStale(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	m.CreateSession(anaProfile())
	gen := m.Generation()
	m.NewChat()
	err := m.AppendMessageIfCurrent(gen, models.NewBotMessage("late", models.AgentTherapist, time.Now()))
	if !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	if got := len(m.Snapshot().Transcript); got != 1 {
		t.Errorf("stale reply must not be appended, transcript has %d messages", got)
	}
	if err := m.AppendMessageIfCurrent(m.Generation(), models.NewBotMessage("fresh", models.AgentTherapist, time.Now())); err != nil {
		t.Errorf("current generation append failed: %v", err)
	}
}

type failingKV struct{ *store.InMemoryStore }

func (f failingKV) Set(string, string) error { return errors.New("quota exceeded") }

func TestWriteFailuresKeepInMemoryState(t *testing.T) {
	records := store.NewRecords(failingKV{store.NewInMemoryStore()})
	var events int
	records.OnWriteFailure(func(store.WriteFailure) { events++ })
	m := NewManager(records, WithClock(fixedClock()))

	if err := m.CreateSession(anaProfile()); err != nil {
		t.Fatalf("write failures must not fail CreateSession: %v", err)
	}
	if err := m.AppendMessage(models.NewUserMessage("hi", time.Now())); err != nil {
		t.Fatalf("write failures must not fail AppendMessage: %v", err)
	}
	if got := len(m.Snapshot().Transcript); got != 2 {
		t.Errorf("expected in-memory transcript of 2, got %d", got)
	}
	if events == 0 {
		t.Error("expected PersistenceWriteFailed events")
	}
}

func TestNeedsConfirmation(t *testing.T) {
	m := newTestManager(store.NewInMemoryStore())
	if m.NeedsConfirmation() {
		t.Error("no session should not need confirmation")
	}
	m.CreateSession(anaProfile())
	if m.NeedsConfirmation() {
		t.Error("welcome-only transcript should not need confirmation")
	}
	m.AppendMessage(models.NewUserMessage("hi", time.Now()))
	if !m.NeedsConfirmation() {
		t.Error("user history should need confirmation")
	}
}

type recordingChecker struct {
	mu        sync.Mutex
	calls     int
	sessionID string
	messages  int
	err       error
	block     bool
}

func (c *recordingChecker) CheckContinuity(ctx context.Context, p models.UserProfile, tr models.Transcript, sid string) error {
	c.mu.Lock()
	c.calls++
	c.sessionID = sid
	c.messages = len(tr)
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.err
}

func TestRestoreLaunchesContinuityProbe(t *testing.T) {
	defer goleak.VerifyNone(t)

	kv := store.NewInMemoryStore()
	m := newTestManager(kv)
	m.CreateSession(anaProfile())
	sid := m.Snapshot().SessionID

	checker := &recordingChecker{err: errors.New("backend asleep")}
	reloaded := newTestManager(kv, WithContinuityChecker(checker, time.Second))
	if !reloaded.RestoreSession() {
		t.Fatal("probe failure must not gate restore")
	}
	reloaded.Teardown()

	checker.mu.Lock()
	defer checker.mu.Unlock()
	if checker.calls != 1 || checker.sessionID != sid || checker.messages != 1 {
		t.Errorf("unexpected probe call: %+v", checker)
	}
	if reloaded.State() != StateActive {
		t.Error("probe outcome must not change session state")
	}
}

func TestContinuityProbeIsBoundedByTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	kv := store.NewInMemoryStore()
	store.NewRecords(kv).SaveProfile(anaProfile())

	checker := &recordingChecker{block: true}
	m := newTestManager(kv, WithContinuityChecker(checker, 20*time.Millisecond))

	start := time.Now()
	if !m.RestoreSession() {
		t.Fatal("expected restore to succeed")
	}
	if time.Since(start) > 10*time.Millisecond*50 {
		t.Error("RestoreSession must not wait for the probe")
	}
	m.Teardown()
}

func TestNewSessionIDFormat(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	a := NewSessionID(now)
	b := NewSessionID(now)
	if !strings.HasPrefix(a, "session_1700000000123_") {
		t.Errorf("unexpected format %q", a)
	}
	if a == b {
		t.Error("ids generated in the same millisecond must differ")
	}
	if suffix := strings.TrimPrefix(a, "session_1700000000123_"); len(suffix) != 32 {
		t.Errorf("expected 32 hex suffix, got %q", suffix)
	}
}
