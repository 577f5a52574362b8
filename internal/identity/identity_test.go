package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	m map[string]string
}

func (s *memStore) GetMeta(key string) (string, bool) {
	v, ok := s.m[key]
	return v, ok
}

func (s *memStore) SetMeta(key, value string) error {
	s.m[key] = value
	return nil
}

func TestGetOrCreatePersists(t *testing.T) {
	store := &memStore{m: map[string]string{}}

	id, err := GetOrCreate(store)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "device identifier should be a UUID")

	again, err := GetOrCreate(store)
	require.NoError(t, err)
	require.Equal(t, id, again, "second call must return the stored identifier")
}

func TestRegenerateReplaces(t *testing.T) {
	store := &memStore{m: map[string]string{}}

	first, err := GetOrCreate(store)
	require.NoError(t, err)

	second, err := Regenerate(store)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	current, err := GetOrCreate(store)
	require.NoError(t, err)
	require.Equal(t, second, current)
}
