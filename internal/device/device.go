// Package device provides the stable per-install identifier that scopes the
// conversation registry to this device.
package device

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/doorwai/doorwai-client/internal/store"
)

const storageKey = "doorwai_device_id"

// ID returns this install's identifier, generating and persisting one on
// first use.
func ID(st store.Store) (string, error) {
	id, err := st.Get(storageKey)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load device id: %w", err)
	}

	id = uuid.NewString()
	if err := st.Set(storageKey, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
