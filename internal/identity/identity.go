// Package identity manages the device's stable mesh identifier.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

const metaKey = "device_id"

// Store is the persistence the identity layer needs. *storage.DB
// satisfies it.
type Store interface {
	GetMeta(key string) (string, bool)
	SetMeta(key, value string) error
}

// GetOrCreate returns the persisted device identifier, generating and
// saving a new one on first run.
func GetOrCreate(store Store) (string, error) {
	if id, ok := store.GetMeta(metaKey); ok && id != "" {
		return id, nil
	}
	return Regenerate(store)
}

// Regenerate replaces the device identifier with a fresh one. Used when
// the current identifier turns out to be claimed by another live device.
func Regenerate(store Store) (string, error) {
	id := uuid.NewString()
	if err := store.SetMeta(metaKey, id); err != nil {
		return "", fmt.Errorf("persist device identifier: %w", err)
	}
	return id, nil
}
