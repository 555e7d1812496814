package chatstore

import "context"

// Credential is an API key issued to an owner by an external provider.
type Credential struct {
	ID            int64  `json:"id"`
	OwnerID       string `json:"owner_id"`
	Provider      string `json:"provider"`
	ProviderKeyID string `json:"provider_key_id"`
	SecretKey     string `json:"secret_key"`
	DisplayName   string `json:"display_name"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	LastUsedMs    *int64 `json:"last_used_ms,omitempty"`
	Active        bool   `json:"active"`
}

// CredentialStore persists issued credentials. At most one active credential
// exists per (owner, provider); InsertCredential returns a conflict error when
// that, or the issuer key id, would be violated.
type CredentialStore interface {
	GetActiveCredential(ctx context.Context, ownerID, provider string) (Credential, bool, error)
	InsertCredential(ctx context.Context, c Credential) (Credential, error)
	TouchCredential(ctx context.Context, ownerID, provider string, atMs int64) error
	DeactivateCredential(ctx context.Context, ownerID, provider string) (bool, error)
}
