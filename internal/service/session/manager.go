// Package session owns authentication state for the lifetime of the process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/doorwai/doorwai-client/internal/api"
	"github.com/doorwai/doorwai-client/internal/auth/google"
	"github.com/doorwai/doorwai-client/internal/model/auth"
	"github.com/doorwai/doorwai-client/internal/store"
)

// Storage keys, fixed across releases so existing installs keep their state.
const (
	authTokenKey   = "doorwai_auth_token"
	userDataKey    = "doorwai_user_data"
	profileDataKey = "doorwai_profile_data"
)

var (
	// ErrNotAuthenticated is returned by operations that require a signed-in
	// user.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAlreadyAuthenticated is returned when login is attempted on an
	// already authenticated session.
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	// ErrAlreadyRestored is returned when Restore is called a second time.
	ErrAlreadyRestored = errors.New("session restore already completed")
	// ErrRestorePending is returned when login is attempted before Restore
	// has run.
	ErrRestorePending = errors.New("session restore has not completed")
	// ErrProfileSyncDeferred marks a login that succeeded locally but could
	// not sync the profile with the backend. The session is authenticated;
	// callers should surface a warning.
	ErrProfileSyncDeferred = errors.New("signed in, but profile sync with the server failed")
)

// State enumerates the session lifecycle.
type State int

const (
	// StateUnknown holds until the one-time restoration attempt completes.
	StateUnknown State = iota
	StateUnauthenticated
	StateAuthenticated
)

// Backend is the slice of the API client the session manager needs.
type Backend interface {
	AddUser(ctx context.Context, profile auth.UserProfile) (*api.AddUserResponse, error)
	GetProfile(ctx context.Context, userID string) (*auth.ProfileData, error)
	UpdateProfile(ctx context.Context, userID string, patch auth.Patch) (*auth.ProfileData, error)
}

// IdentityProvider yields a verified third-party identity assertion plus the
// raw access token that produced it.
type IdentityProvider interface {
	Resolve(ctx context.Context) (google.Identity, string, error)
}

// Manager is the single authority for authentication state.
type Manager struct {
	store    store.Store
	backend  Backend
	identity IdentityProvider
	logger   *zap.Logger

	mu          sync.RWMutex
	restored    bool
	state       State
	user        *auth.UserProfile
	profileData *auth.ProfileData
}

// NewManager builds a session manager in the Unknown (loading) state.
func NewManager(st store.Store, backend Backend, identity IdentityProvider, logger *zap.Logger) *Manager {
	return &Manager{
		store:    st,
		backend:  backend,
		identity: identity,
		logger:   logger,
		state:    StateUnknown,
	}
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	IsAuthenticated bool
	IsLoading       bool
	User            *auth.UserProfile
	ProfileData     *auth.ProfileData
}

// Snapshot returns a copy of the current state. The contained pointers are
// copies; mutating them does not affect the manager.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		IsAuthenticated: m.state == StateAuthenticated,
		IsLoading:       m.state == StateUnknown,
	}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	snap.ProfileData = m.profileData.Clone()
	return snap
}

// Restore loads persisted credentials from a previous run. It runs exactly
// once per process; whatever happens, the session leaves the loading state.
// A failed best-effort profile refresh keeps the stale local cache.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	if m.restored {
		m.mu.Unlock()
		return ErrAlreadyRestored
	}
	m.restored = true
	m.mu.Unlock()

	user, profileData := m.loadPersisted()

	if user == nil {
		m.setState(StateUnauthenticated, nil, nil)
		return nil
	}
	m.setState(StateAuthenticated, user, profileData)

	fresh, err := m.backend.GetProfile(ctx, user.UID)
	if err != nil {
		m.logger.Warn("could not refresh profile data after restore", zap.Error(err))
		return nil
	}
	if fresh != nil {
		if err := m.persistProfileData(fresh); err != nil {
			m.logger.Warn("could not cache refreshed profile data", zap.Error(err))
			return nil
		}
		m.mu.Lock()
		m.profileData = fresh
		m.mu.Unlock()
	}
	return nil
}

// loadPersisted reads the stored user and profile; any read or parse failure
// is logged and treated as "nothing persisted".
func (m *Manager) loadPersisted() (*auth.UserProfile, *auth.ProfileData) {
	token, err := m.store.Get(authTokenKey)
	if err != nil || token == "" {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("could not read auth token", zap.Error(err))
		}
		return nil, nil
	}

	rawUser, err := m.store.Get(userDataKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("could not read stored user", zap.Error(err))
		}
		return nil, nil
	}

	var user auth.UserProfile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		m.logger.Warn("stored user is unreadable, treating as signed out", zap.Error(err))
		return nil, nil
	}

	var profileData *auth.ProfileData
	if rawProfile, err := m.store.Get(profileDataKey); err == nil {
		var pd auth.ProfileData
		if err := json.Unmarshal([]byte(rawProfile), &pd); err != nil {
			m.logger.Warn("stored profile data is unreadable, ignoring", zap.Error(err))
		} else {
			profileData = &pd
		}
	}

	return &user, profileData
}

// LoginWithGoogle runs the identity-provider flow and establishes an
// authenticated session. The boolean reports whether the provider flow
// itself completed. If backend registration fails after a successful
// identity exchange, the session still authenticates with the locally
// derived profile and the error wraps ErrProfileSyncDeferred.
func (m *Manager) LoginWithGoogle(ctx context.Context) (bool, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	switch state {
	case StateUnknown:
		return false, ErrRestorePending
	case StateAuthenticated:
		return false, ErrAlreadyAuthenticated
	}

	identity, token, err := m.identity.Resolve(ctx)
	if err != nil {
		return false, fmt.Errorf("identity flow: %w", err)
	}

	profile := auth.UserProfile{
		UID:   identity.Subject,
		Email: identity.Email,
		Name:  identity.Name,
		Photo: identity.Picture,
	}
	if err := profile.Validate(); err != nil {
		return false, err
	}

	resp, err := m.backend.AddUser(ctx, profile)
	if err != nil {
		// Graceful degradation: the identity exchange succeeded, so the user
		// is signed in locally even though the backend never saw them.
		m.logger.Warn("backend registration failed, continuing with local profile", zap.Error(err))
		if perr := m.persistSession(token, profile, nil); perr != nil {
			return false, perr
		}
		m.setState(StateAuthenticated, &profile, nil)
		return true, fmt.Errorf("%w: %v", ErrProfileSyncDeferred, err)
	}

	serverProfile := resp.Profile
	if serverProfile.Validate() != nil {
		serverProfile = profile
	}
	if err := m.persistSession(token, serverProfile, resp.ProfileData); err != nil {
		return false, err
	}
	m.setState(StateAuthenticated, &serverProfile, resp.ProfileData)

	if resp.IsNewUser {
		m.logger.Info("registered new user", zap.String("uid", serverProfile.UID))
	}
	return true, nil
}

// UpdateProfileData sends a partial patch and replaces the local record with
// the server's authoritative merge result. Requires an authenticated session.
func (m *Manager) UpdateProfileData(ctx context.Context, patch auth.Patch) error {
	m.mu.RLock()
	authenticated := m.state == StateAuthenticated
	var uid string
	if m.user != nil {
		uid = m.user.UID
	}
	m.mu.RUnlock()

	if !authenticated {
		return ErrNotAuthenticated
	}

	updated, err := m.backend.UpdateProfile(ctx, uid, patch)
	if err != nil {
		return err
	}
	if updated == nil {
		return fmt.Errorf("profile update returned no record")
	}

	if err := m.persistProfileData(updated); err != nil {
		return err
	}
	m.mu.Lock()
	m.profileData = updated
	m.mu.Unlock()
	return nil
}

// Logout clears persisted credentials and resets in-memory state. Deletion
// failures are logged but never leave the session half-authenticated.
func (m *Manager) Logout() error {
	for _, key := range []string{authTokenKey, userDataKey, profileDataKey} {
		if err := m.store.Delete(key); err != nil {
			m.logger.Warn("could not delete stored credential", zap.String("key", key), zap.Error(err))
		}
	}
	m.setState(StateUnauthenticated, nil, nil)
	return nil
}

// persistSession writes the token, user and optional profile data.
// Called before the in-memory state is published.
func (m *Manager) persistSession(token string, user auth.UserProfile, profileData *auth.ProfileData) error {
	if err := m.store.Set(authTokenKey, token); err != nil {
		return fmt.Errorf("persist auth token: %w", err)
	}

	rawUser, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := m.store.Set(userDataKey, string(rawUser)); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}

	if profileData != nil {
		return m.persistProfileData(profileData)
	}
	return nil
}

func (m *Manager) persistProfileData(profileData *auth.ProfileData) error {
	raw, err := json.Marshal(profileData)
	if err != nil {
		return fmt.Errorf("encode profile data: %w", err)
	}
	if err := m.store.Set(profileDataKey, string(raw)); err != nil {
		return fmt.Errorf("persist profile data: %w", err)
	}
	return nil
}

// setState publishes a consistent (state, user, profileData) triple.
// StateAuthenticated always carries a non-nil user.
func (m *Manager) setState(state State, user *auth.UserProfile, profileData *auth.ProfileData) {
	if state == StateAuthenticated && user == nil {
		panic("session: authenticated state requires a user")
	}
	m.mu.Lock()
	m.state = state
	m.user = user
	m.profileData = profileData
	m.mu.Unlock()
}
