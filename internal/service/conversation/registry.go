// Package conversation tracks which voice-call conversations this device
// knows about and reconciles that set with the backend.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doorwai/doorwai-client/internal/api"
	"github.com/doorwai/doorwai-client/internal/model/conversation"
	"github.com/doorwai/doorwai-client/internal/store"
)

// storageKey is fixed so existing installs keep their conversation list.
const storageKey = "my_device_conversation_ids_v1"

// ErrPhoneNumberRequired is returned before any network call when the phone
// number is empty.
var ErrPhoneNumberRequired = errors.New("phone number is required")

// Backend is the slice of the API client the registry needs.
type Backend interface {
	InitiateCall(ctx context.Context, phoneNumber, deviceID string) (*api.CallResponse, error)
	GetTranscript(ctx context.Context, conversationID string) (*conversation.Transcript, error)
	ListUserConversations(ctx context.Context, userID string) ([]api.ConversationSummary, error)
	SaveConversation(ctx context.Context, conversationID, userID string) error
	DeleteConversation(ctx context.Context, conversationID, userID string) error
}

// Registry is the device-local source of truth for conversation ids.
// Every mutation persists first and publishes in memory only on success, so
// the two copies never diverge.
type Registry struct {
	store    store.Store
	backend  Backend
	deviceID string
	logger   *zap.Logger

	mu  sync.RWMutex
	ids []string
}

// NewRegistry builds an empty registry; call Load to read the persisted set.
func NewRegistry(st store.Store, backend Backend, deviceID string, logger *zap.Logger) *Registry {
	return &Registry{
		store:    st,
		backend:  backend,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Load reads the persisted id set. A missing key or malformed payload yields
// an empty set rather than an error.
func (r *Registry) Load() error {
	raw, err := r.store.Get(storageKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load conversation ids: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		r.logger.Warn("stored conversation ids are unreadable, resetting", zap.Error(err))
		ids = nil
	}

	r.mu.Lock()
	r.ids = dedupe(ids)
	r.mu.Unlock()
	return nil
}

// List returns a copy of the known conversation ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ids...)
}

// Add records a conversation id. Duplicates and empty ids are no-ops.
func (r *Registry) Add(id string) error {
	if id == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.ids {
		if existing == id {
			return nil
		}
	}

	next := append(append([]string(nil), r.ids...), id)
	if err := r.persist(next); err != nil {
		return err
	}
	r.ids = next
	return nil
}

// Remove drops a conversation id; absent ids are a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]string, 0, len(r.ids))
	for _, existing := range r.ids {
		if existing != id {
			next = append(next, existing)
		}
	}
	if len(next) == len(r.ids) {
		return nil
	}

	if err := r.persist(next); err != nil {
		return err
	}
	r.ids = next
	return nil
}

// InitiateCall asks the backend to place a call. A returned conversation id
// is recorded immediately (client-optimistic); the follow-up association
// with userID is advisory and its failure never fails the call.
func (r *Registry) InitiateCall(ctx context.Context, phoneNumber, userID string) (*api.CallResponse, error) {
	if phoneNumber == "" {
		return nil, ErrPhoneNumberRequired
	}

	resp, err := r.backend.InitiateCall(ctx, phoneNumber, r.deviceID)
	if err != nil {
		return nil, err
	}

	if resp.ConversationID != "" {
		if err := r.Add(resp.ConversationID); err != nil {
			r.logger.Warn("could not record conversation id",
				zap.String("conversationId", resp.ConversationID), zap.Error(err))
		}
		if userID != "" {
			if err := r.backend.SaveConversation(ctx, resp.ConversationID, userID); err != nil {
				r.logger.Warn("conversation association failed",
					zap.String("conversationId", resp.ConversationID), zap.Error(err))
			}
		}
	}
	return resp, nil
}

// FetchSavedConversationDetails fetches the transcript of every known id
// concurrently. One entry is returned per id; a failed fetch records the
// error in its entry instead of aborting the batch. Entry order is not
// guaranteed.
func (r *Registry) FetchSavedConversationDetails(ctx context.Context) []conversation.Detail {
	ids := r.List()

	results := make([]conversation.Detail, 0, len(ids))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			transcript, err := r.backend.GetTranscript(ctx, id)

			detail := conversation.Detail{ConversationID: id}
			if err != nil {
				detail.Err = err.Error()
			} else {
				detail.Transcript = transcript
			}

			mu.Lock()
			results = append(results, detail)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DeleteConversation removes a conversation server-side first and drops it
// locally only once the backend confirms. Local state never runs ahead of
// the server for deletions.
func (r *Registry) DeleteConversation(ctx context.Context, id, userID string) error {
	if err := r.backend.DeleteConversation(ctx, id, userID); err != nil {
		return err
	}
	return r.Remove(id)
}

// FetchUserConversations replaces the whole local set with the backend's
// list for userID. Used to recover from local/server drift.
func (r *Registry) FetchUserConversations(ctx context.Context, userID string) ([]string, error) {
	summaries, err := r.backend.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		if summary.ConversationID != "" {
			ids = append(ids, summary.ConversationID)
		}
	}
	ids = dedupe(ids)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(ids); err != nil {
		return nil, err
	}
	r.ids = ids
	return append([]string(nil), ids...), nil
}

// persist writes ids to the store. Callers publish in memory only after it
// succeeds.
func (r *Registry) persist(ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode conversation ids: %w", err)
	}
	if err := r.store.Set(storageKey, string(raw)); err != nil {
		return fmt.Errorf("persist conversation ids: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
