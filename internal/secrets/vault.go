// Package secrets keeps integration credentials (API keys, SMTP passwords,
// e-invoicing tokens) sealed at rest and resolves {{secrets.KEY}} references
// in action configs at dispatch time.
package secrets

import "context"

// Vault stores and resolves named secrets.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Store is the persistence a vault seals into.
// Satisfied by store.MemoryStore and store.LibSQLStore.
type Store interface {
	PutSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
