package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

func testVault(t *testing.T) (*AESVault, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_PutAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "SMTP_PASSWORD", []byte("hunter2")))
	val, err := v.Resolve(ctx, "SMTP_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), val)

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SMTP_PASSWORD"}, keys)

	require.NoError(t, v.Delete(ctx, "SMTP_PASSWORD"))
	_, err = v.Resolve(ctx, "SMTP_PASSWORD")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_SealedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "API_KEY", []byte("sk-live-123")))
	raw, err := s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("sk-live-123")))
}

func TestAESVault_KeyBoundToName(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "A", []byte("alpha")))
	raw, err := s.GetSecret(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, s.PutSecret(ctx, "B", raw))

	_, err = v.Resolve(ctx, "B")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestAESVault_WrongKey(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "A", []byte("alpha")))

	other, err := NewAESVault(s, VaultConfig{Passphrase: "different", Salt: []byte("salt"), Iterations: 1000})
	require.NoError(t, err)
	_, err = other.Resolve(ctx, "A")
	assert.Error(t, err)
}

func TestAESVault_Passphrase(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := VaultConfig{Passphrase: "correct horse", Salt: []byte("bizflow"), Iterations: 1000}
	v1, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	require.NoError(t, v1.Put(context.Background(), "K", []byte("v")))

	v2, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	val, err := v2.Resolve(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestNewAESVault_BadConfig(t *testing.T) {
	s := store.NewMemoryStore()
	for name, cfg := range map[string]VaultConfig{
		"short key":       {MasterKey: []byte("short")},
		"empty":           {},
		"passphrase only": {Passphrase: "p"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewAESVault(s, cfg)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestAESVault_InvalidKeyName(t *testing.T) {
	v, _ := testVault(t)
	err := v.Put(context.Background(), "bad key!", []byte("x"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
