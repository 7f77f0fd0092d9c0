// Package session owns the authentication session lifecycle: sign-up,
// sign-in, sign-out, and change notification across execution contexts.
//
// Sign-in deliberately does not verify the password, and an unknown email
// mints a throwaway guest session. That is the simulation's observable
// contract, not a security model; do not harden it here.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokensim/simcore/internal/bus"
	"github.com/tokensim/simcore/internal/kv"
	"github.com/tokensim/simcore/internal/metrics"
	"github.com/tokensim/simcore/internal/model"
	"github.com/tokensim/simcore/internal/repo"
)

var (
	// ErrDuplicateEmail is returned by SignUp when a profile with the
	// given email already exists. The existing profile is left untouched.
	ErrDuplicateEmail = errors.New("session: email already registered")

	// ErrInvalidCredentials is returned when a session could not be
	// constructed at all (empty email). Passwords are never checked.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
)

// TTL is how long a minted session stays valid.
const TTL = 24 * time.Hour

// ProfileFields are the caller-supplied fields captured at sign-up.
type ProfileFields struct {
	FullName  string `json:"full_name"`
	Country   string `json:"country"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Manager is the session state machine: SignedOut or SignedIn(Session).
// It is the sole writer of the persisted session key; everything else
// only reads.
type Manager struct {
	store kv.Store
	repo  *repo.Repository
	bus   bus.Bus
	now   func() time.Time

	mu      sync.Mutex
	current *model.Session
	subs    map[int]func(*model.Session)
	nextSub int
	unsub   func()
}

// NewManager creates a manager bound to a store, repository, and change
// bus, and begins listening for session changes from other contexts.
// Close releases the bus subscription.
func NewManager(store kv.Store, r *repo.Repository, b bus.Bus) *Manager {
	m := &Manager{
		store: store,
		repo:  r,
		bus:   b,
		now:   time.Now,
		subs:  make(map[int]func(*model.Session)),
	}
	if b != nil {
		m.unsub = b.Subscribe(m.onBusChange)
	}
	return m
}

// Close stops cross-context notifications for this manager.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

// SignUp creates a UserProfile and UserRole pair, mints a session, and
// transitions to SignedIn. Fails with ErrDuplicateEmail when the email is
// already registered, leaving existing records untouched.
func (m *Manager) SignUp(ctx context.Context, email, password string, fields ProfileFields) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	_ = password // accepted, never stored: the simulation has no credential store

	profiles, err := m.repo.Profiles.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if strings.EqualFold(p.Email, email) {
			return nil, ErrDuplicateEmail
		}
	}

	now := m.now().UTC()
	profile := model.UserProfile{
		ID:          uuid.New().String(),
		Email:       email,
		FullName:    fields.FullName,
		Country:     fields.Country,
		KYCVerified: false,
		AvatarURL:   fields.AvatarURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	role := model.UserRole{
		UserID:              profile.ID,
		Role:                "user",
		KYCStatus:           "pending",
		AccreditationStatus: "none",
		UpdatedAt:           now,
	}

	if err := m.repo.Profiles.Insert(ctx, profile); err != nil {
		return nil, err
	}
	if err := m.repo.Roles.Insert(ctx, role); err != nil {
		return nil, err
	}

	sess := m.mint(profile.ID, email, fields.FullName)
	m.commit(ctx, sess)
	slog.Info("signed up", "user", profile.ID, "email", email)
	return sess, nil
}

// SignIn looks up the profile by email and mints a session for it. An
// unknown email mints a guest session rather than failing; sign-in
// always succeeds for any non-empty email.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	_ = password

	profiles, err := m.repo.Profiles.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	userID := ""
	name := ""
	for _, p := range profiles {
		if strings.EqualFold(p.Email, email) {
			userID = p.ID
			name = p.FullName
			break
		}
	}

	var sess *model.Session
	if userID == "" {
		sess = m.mint(uuid.New().String(), email, "")
		sess.Metadata["guest"] = "true"
		slog.Info("signed in as guest", "email", email)
	} else {
		sess = m.mint(userID, email, name)
		slog.Info("signed in", "user", userID, "email", email)
	}

	m.commit(ctx, sess)
	return sess, nil
}

// SignOut deletes the persisted session and transitions to SignedOut.
// Signing out while already signed out is a no-op that still notifies.
func (m *Manager) SignOut(ctx context.Context) {
	if err := m.store.Delete(ctx, model.TableSession); err != nil {
		slog.Warn("session: delete failed, may reappear after restart", "err", err)
	}

	m.setCurrent(nil)
	if m.bus != nil {
		if err := m.bus.Publish(ctx, bus.Change{Table: model.TableSession, Kind: bus.KindDelete}); err != nil {
			slog.Warn("session: sign-out notification failed", "err", err)
		}
	}
	slog.Info("signed out")
}

// Current returns the signed-in session, or nil. An expired persisted
// session reads as signed out and is lazily cleared.
func (m *Manager) Current(ctx context.Context) *model.Session {
	sess := m.readPersisted(ctx)

	m.mu.Lock()
	inMemory := m.current
	m.mu.Unlock()

	if sess == nil {
		// Degraded mode: the persist failed earlier but this context is
		// still signed in. The session will not survive a restart, and it
		// expires on the same clock as a persisted one.
		if inMemory != nil && inMemory.Expired(m.now()) {
			slog.Info("session expired", "user", inMemory.UserID)
			m.setCurrent(nil)
			return nil
		}
		return inMemory
	}
	if sess.Expired(m.now()) {
		slog.Info("session expired", "user", sess.UserID)
		if err := m.store.Delete(ctx, model.TableSession); err != nil {
			slog.Warn("session: expiry cleanup failed", "err", err)
		}
		m.setCurrent(nil)
		return nil
	}
	return sess
}

// Subscribe registers a listener invoked immediately with the current
// state and again on every future change, including changes committed by
// other execution contexts. Returns an unsubscribe handle.
func (m *Manager) Subscribe(ctx context.Context, fn func(*model.Session)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	fn(m.Current(ctx))

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// --- internals ---

func (m *Manager) mint(userID, email, displayName string) *model.Session {
	now := m.now().UTC()
	md := map[string]string{}
	if displayName != "" {
		md["display_name"] = displayName
	}
	return &model.Session{
		UserID:    userID,
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: now.Add(TTL),
		Metadata:  md,
	}
}

// commit persists the session best-effort, updates in-memory state, and
// notifies. A failed persist still signs this context in (degraded mode);
// no cross-context publish happens then, since there is nothing for other
// contexts to re-read.
func (m *Manager) commit(ctx context.Context, sess *model.Session) {
	persisted := true
	data, err := json.Marshal(sess)
	if err == nil {
		err = m.store.Set(ctx, model.TableSession, string(data))
	}
	if err != nil {
		persisted = false
		metrics.StorageWriteFailures.Inc()
		slog.Warn("session: persist failed, session will not survive a restart",
			"user", sess.UserID, "err", err)
	}

	m.setCurrent(sess)

	if persisted && m.bus != nil {
		if err := m.bus.Publish(ctx, bus.Change{Table: model.TableSession, Kind: bus.KindWrite}); err != nil {
			slog.Warn("session: change notification failed", "err", err)
		}
	}
}

// setCurrent swaps the in-memory session and notifies local subscribers.
func (m *Manager) setCurrent(sess *model.Session) {
	m.mu.Lock()
	m.current = sess
	fns := make([]func(*model.Session), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if sess == nil {
		metrics.SessionsActive.Set(0)
	} else {
		metrics.SessionsActive.Set(1)
	}

	for _, fn := range fns {
		fn(sess)
	}
}

// onBusChange handles session-table changes, including the echo of this
// manager's own publishes. Re-reads persisted state and notifies only
// when it differs from what this context already holds.
func (m *Manager) onBusChange(ch bus.Change) {
	if ch.Table != model.TableSession {
		return
	}

	sess := m.readPersisted(context.Background())

	m.mu.Lock()
	same := sessionEqual(sess, m.current)
	m.mu.Unlock()
	if same {
		return
	}
	m.setCurrent(sess)
}

func (m *Manager) readPersisted(ctx context.Context) *model.Session {
	raw, ok, err := m.store.Get(ctx, model.TableSession)
	if err != nil {
		slog.Warn("session: read failed", "err", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		slog.Warn("session: corrupt persisted session, treating as signed out", "err", err)
		return nil
	}
	return &sess
}

func sessionEqual(a, b *model.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UserID == b.UserID && a.IssuedAt.Equal(b.IssuedAt)
}
