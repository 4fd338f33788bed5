package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/pkg/schema"
)

type secretStore interface {
	PutSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

func testSecrets(t *testing.T, s secretStore) {
	ctx := context.Background()

	require.NoError(t, s.PutSecret(ctx, "smtp", []byte{1, 2, 3}))
	require.NoError(t, s.PutSecret(ctx, "anaf", []byte("sealed")))
	require.NoError(t, s.PutSecret(ctx, "smtp", []byte{4, 5}))

	got, err := s.GetSecret(ctx, "smtp")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, got)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anaf", "smtp"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "smtp"))
	_, err = s.GetSecret(ctx, "smtp")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteSecret(ctx, "smtp"), schema.ErrCodeNotFound))
}

func TestMemoryStore_Secrets(t *testing.T) {
	testSecrets(t, NewMemoryStore())
}

func TestLibSQLStore_Secrets(t *testing.T) {
	testSecrets(t, newTestStore(t))
}
