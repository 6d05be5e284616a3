package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"go.uber.org/zap"

	api "github.com/doorwai/doorwai-client/internal/api"
	google "github.com/doorwai/doorwai-client/internal/auth/google"
	auth "github.com/doorwai/doorwai-client/internal/model/auth"
	session "github.com/doorwai/doorwai-client/internal/service/session"
	store "github.com/doorwai/doorwai-client/internal/store"
)

type fakeBackend struct {
	addUserCalls int
	addUser      func(profile auth.UserProfile) (*api.AddUserResponse, error)
	getProfile   func(userID string) (*auth.ProfileData, error)
	update       func(userID string, patch auth.Patch) (*auth.ProfileData, error)
}

func (f *fakeBackend) AddUser(_ context.Context, profile auth.UserProfile) (*api.AddUserResponse, error) {
	f.addUserCalls++
	if f.addUser != nil {
		return f.addUser(profile)
	}
	return &api.AddUserResponse{Success: true, IsNewUser: f.addUserCalls == 1, Profile: profile}, nil
}

func (f *fakeBackend) GetProfile(_ context.Context, userID string) (*auth.ProfileData, error) {
	if f.getProfile != nil {
		return f.getProfile(userID)
	}
	return nil, nil
}

func (f *fakeBackend) UpdateProfile(_ context.Context, userID string, patch auth.Patch) (*auth.ProfileData, error) {
	if f.update != nil {
		return f.update(userID, patch)
	}
	return &auth.ProfileData{UserID: userID}, nil
}

type fakeResolver struct {
	identity google.Identity
	token    string
	err      error
}

func (f *fakeResolver) Resolve(context.Context) (google.Identity, string, error) {
	return f.identity, f.token, f.err
}

func testIdentity() *fakeResolver {
	return &fakeResolver{
		identity: google.Identity{Subject: "u-1", Email: "sam@example.com", Name: "Sam"},
		token:    "token-1",
	}
}

func newManager(st store.Store, backend *fakeBackend, resolver *fakeResolver) *session.Manager {
	return session.NewManager(st, backend, resolver, zap.NewNop())
}

func TestRestoreWithEmptyStore(t *testing.T) {
	m := newManager(store.NewMemoryStore(), &fakeBackend{}, testIdentity())

	if snap := m.Snapshot(); !snap.IsLoading {
		t.Fatal("expected loading state before restore")
	}

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}

	snap := m.Snapshot()
	if snap.IsLoading {
		t.Fatal("restore must end the loading state")
	}
	if snap.IsAuthenticated {
		t.Fatal("empty store must not authenticate")
	}
}

func TestRestoreRunsExactlyOnce(t *testing.T) {
	m := newManager(store.NewMemoryStore(), &fakeBackend{}, testIdentity())

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	if err := m.Restore(context.Background()); !errors.Is(err, session.ErrAlreadyRestored) {
		t.Fatalf("expected ErrAlreadyRestored, got %v", err)
	}
}

func seedStore(t *testing.T, st store.Store) {
	t.Helper()
	if err := st.Set("doorwai_auth_token", "token-1"); err != nil {
		t.Fatal(err)
	}
	user, _ := json.Marshal(auth.UserProfile{UID: "u-1", Email: "sam@example.com", Name: "Sam"})
	if err := st.Set("doorwai_user_data", string(user)); err != nil {
		t.Fatal(err)
	}
	profile, _ := json.Marshal(auth.ProfileData{UserID: "u-1", OnboardingComplete: true})
	if err := st.Set("doorwai_profile_data", string(profile)); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreSurvivesRefreshFailure(t *testing.T) {
	st := store.NewMemoryStore()
	seedStore(t, st)

	backend := &fakeBackend{
		getProfile: func(string) (*auth.ProfileData, error) {
			return nil, fmt.Errorf("network down")
		},
	}
	m := newManager(st, backend, testIdentity())

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore must swallow refresh failures, got %v", err)
	}

	snap := m.Snapshot()
	if !snap.IsAuthenticated {
		t.Fatal("expected authenticated session after restore")
	}
	if snap.ProfileData == nil || !snap.ProfileData.OnboardingComplete {
		t.Fatalf("stale profile data must stand, got %+v", snap.ProfileData)
	}
}

func TestRestoreRefreshesProfileData(t *testing.T) {
	st := store.NewMemoryStore()
	seedStore(t, st)

	fresh := &auth.ProfileData{UserID: "u-1", OnboardingComplete: true, UpdatedAt: 42}
	backend := &fakeBackend{
		getProfile: func(string) (*auth.ProfileData, error) { return fresh, nil },
	}
	m := newManager(st, backend, testIdentity())

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore err: %v", err)
	}

	snap := m.Snapshot()
	if snap.ProfileData == nil || snap.ProfileData.UpdatedAt != 42 {
		t.Fatalf("expected refreshed profile data, got %+v", snap.ProfileData)
	}

	raw, err := st.Get("doorwai_profile_data")
	if err != nil {
		t.Fatalf("profile data not persisted: %v", err)
	}
	var persisted auth.ProfileData
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("persisted profile unreadable: %v", err)
	}
	if persisted.UpdatedAt != 42 {
		t.Fatalf("persisted copy not refreshed: %+v", persisted)
	}
}

func TestLoginBeforeRestoreRejected(t *testing.T) {
	m := newManager(store.NewMemoryStore(), &fakeBackend{}, testIdentity())

	if _, err := m.LoginWithGoogle(context.Background()); !errors.Is(err, session.ErrRestorePending) {
		t.Fatalf("expected ErrRestorePending, got %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	m := newManager(st, &fakeBackend{}, testIdentity())

	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	ok, err := m.LoginWithGoogle(context.Background())
	if err != nil {
		t.Fatalf("LoginWithGoogle err: %v", err)
	}
	if !ok {
		t.Fatal("expected flow success")
	}

	snap := m.Snapshot()
	if !snap.IsAuthenticated || snap.User == nil || snap.User.UID != "u-1" {
		t.Fatalf("unexpected state after login: %+v", snap)
	}

	if _, err := st.Get("doorwai_auth_token"); err != nil {
		t.Fatalf("token not persisted: %v", err)
	}
	if _, err := st.Get("doorwai_user_data"); err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
}

func TestLoginDegradedWhenBackendFails(t *testing.T) {
	st := store.NewMemoryStore()
	backend := &fakeBackend{
		addUser: func(auth.UserProfile) (*api.AddUserResponse, error) {
			return nil, fmt.Errorf("backend unreachable")
		},
	}
	m := newManager(st, backend, testIdentity())

	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	ok, err := m.LoginWithGoogle(context.Background())
	if !ok {
		t.Fatal("identity flow succeeded, login must report success")
	}
	if !errors.Is(err, session.ErrProfileSyncDeferred) {
		t.Fatalf("expected ErrProfileSyncDeferred, got %v", err)
	}

	snap := m.Snapshot()
	if !snap.IsAuthenticated || snap.User == nil {
		t.Fatal("degraded login must still authenticate")
	}
	if _, err := st.Get("doorwai_user_data"); err != nil {
		t.Fatalf("local profile not persisted: %v", err)
	}
}

func TestLoginWhileAuthenticatedRejected(t *testing.T) {
	m := newManager(store.NewMemoryStore(), &fakeBackend{}, testIdentity())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoginWithGoogle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := m.LoginWithGoogle(context.Background()); !errors.Is(err, session.ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
}

func TestLoginResolverFailureLeavesStateUntouched(t *testing.T) {
	resolver := &fakeResolver{err: fmt.Errorf("flow dismissed")}
	m := newManager(store.NewMemoryStore(), &fakeBackend{}, resolver)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	ok, err := m.LoginWithGoogle(context.Background())
	if ok || err == nil {
		t.Fatalf("expected failed flow, got ok=%v err=%v", ok, err)
	}
	if m.Snapshot().IsAuthenticated {
		t.Fatal("failed flow must not authenticate")
	}
}

func TestUpdateProfileDataRequiresAuth(t *testing.T) {
	m := newManager(store.NewMemoryStore(), &fakeBackend{}, testIdentity())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := m.UpdateProfileData(context.Background(), auth.Patch{"nickName": "Sam"})
	if !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestUpdateProfileDataUsesServerRecord(t *testing.T) {
	st := store.NewMemoryStore()
	merged := &auth.ProfileData{
		UserID:             "u-1",
		OnboardingComplete: true,
		Extra:              map[string]any{"nickName": "Sam", "serverOnly": "yes"},
	}
	backend := &fakeBackend{
		update: func(userID string, patch auth.Patch) (*auth.ProfileData, error) {
			if userID != "u-1" {
				t.Errorf("unexpected userId: %s", userID)
			}
			if patch["nickName"] != "Sam" {
				t.Errorf("patch not forwarded: %+v", patch)
			}
			return merged, nil
		},
	}
	m := newManager(st, backend, testIdentity())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoginWithGoogle(context.Background()); err != nil {
		t.Fatal(err)
	}

	patch := auth.Patch{}
	if err := patch.Set("nickName", "Sam"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateProfileData(context.Background(), patch); err != nil {
		t.Fatalf("UpdateProfileData err: %v", err)
	}

	snap := m.Snapshot()
	if snap.ProfileData == nil || snap.ProfileData.Extra["serverOnly"] != "yes" {
		t.Fatalf("local state must be the server's merged record, got %+v", snap.ProfileData)
	}
}

func TestSnapshotProfileDataIsIsolated(t *testing.T) {
	backend := &fakeBackend{
		addUser: func(profile auth.UserProfile) (*api.AddUserResponse, error) {
			return &api.AddUserResponse{
				Success: true,
				Profile: profile,
				ProfileData: &auth.ProfileData{
					UserID: profile.UID,
					Extra:  map[string]any{"nickName": "Sam"},
				},
			}, nil
		},
	}
	m := newManager(store.NewMemoryStore(), backend, testIdentity())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoginWithGoogle(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	snap.ProfileData.Extra["nickName"] = "Mallory"
	snap.ProfileData.Extra["injected"] = true

	fresh := m.Snapshot()
	if fresh.ProfileData.Extra["nickName"] != "Sam" {
		t.Fatalf("snapshot mutation leaked into the manager: %+v", fresh.ProfileData.Extra)
	}
	if _, ok := fresh.ProfileData.Extra["injected"]; ok {
		t.Fatal("snapshot mutation leaked into the manager")
	}
}

func TestLogoutClearsStateAndStorage(t *testing.T) {
	st := store.NewMemoryStore()
	m := newManager(st, &fakeBackend{}, testIdentity())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoginWithGoogle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Logout(); err != nil {
		t.Fatalf("Logout err: %v", err)
	}

	snap := m.Snapshot()
	if snap.IsAuthenticated || snap.User != nil || snap.ProfileData != nil {
		t.Fatalf("logout must reset state, got %+v", snap)
	}
	for _, key := range []string{"doorwai_auth_token", "doorwai_user_data", "doorwai_profile_data"} {
		if _, err := st.Get(key); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("key %s not cleared", key)
		}
	}
}

// failingStore rejects deletions to exercise the half-authenticated guard.
type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) Delete(string) error {
	return fmt.Errorf("disk full")
}

func TestLogoutResetsStateEvenWhenDeleteFails(t *testing.T) {
	st := &failingStore{store.NewMemoryStore()}
	m := newManager(st, &fakeBackend{}, testIdentity())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoginWithGoogle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Logout(); err != nil {
		t.Fatalf("Logout must not fail on delete errors, got %v", err)
	}
	if m.Snapshot().IsAuthenticated {
		t.Fatal("UI must never be stuck half-authenticated")
	}
}

// TestAuthStateInvariant drives random operation sequences and checks that
// an authenticated snapshot always carries a user.
func TestAuthStateInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 50; run++ {
		st := store.NewMemoryStore()
		backend := &fakeBackend{}
		if rng.Intn(2) == 0 {
			backend.addUser = func(auth.UserProfile) (*api.AddUserResponse, error) {
				return nil, fmt.Errorf("flaky backend")
			}
		}
		m := newManager(st, backend, testIdentity())

		for step := 0; step < 10; step++ {
			switch rng.Intn(3) {
			case 0:
				_ = m.Restore(context.Background())
			case 1:
				_, _ = m.LoginWithGoogle(context.Background())
			case 2:
				_ = m.Logout()
			}

			snap := m.Snapshot()
			if snap.IsAuthenticated && snap.User == nil {
				t.Fatalf("run %d step %d: authenticated without a user", run, step)
			}
		}
	}
}
