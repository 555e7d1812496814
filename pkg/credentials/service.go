// Package credentials provisions per-owner provider API keys through an
// external issuer and caches them in the chat store (and optionally Redis).
package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

// ErrProvisioningFailed marks every failure to obtain a key from the issuer.
var ErrProvisioningFailed = errors.New("credential provisioning failed")

const DefaultDisplayNamePrefix = "lms-user-"

// IssueRequest is sent to the issuer for an owner without an active key.
type IssueRequest struct {
	OwnerID     string
	Provider    string
	DisplayName string
}

// IssuedKey is an issuer response that passed validation.
type IssuedKey struct {
	Key         string
	KeyID       string
	DisplayName string
}

// Issuer creates a new API key at the provider.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (IssuedKey, error)
}

// Cache is an optional read-through layer in front of the store. Errors are
// reported to the caller, which logs and ignores them.
type Cache interface {
	Get(ctx context.Context, ownerID, provider string) (chatstore.Credential, bool, error)
	Set(ctx context.Context, c chatstore.Credential) error
	Delete(ctx context.Context, ownerID, provider string) error
}

// Result is what get-or-create hands back to callers.
type Result struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Existed     bool   `json:"existed"`
}

type ServiceOptions struct {
	Store             chatstore.CredentialStore
	Issuer            Issuer
	Cache             Cache
	DisplayNamePrefix string
	Logger            zerolog.Logger
	Now               func() time.Time
}

type Service struct {
	store  chatstore.CredentialStore
	issuer Issuer
	cache  Cache
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("credentials: store is nil")
	}
	if opts.Issuer == nil {
		return nil, errors.New("credentials: issuer is nil")
	}
	s := &Service{
		store:  opts.Store,
		issuer: opts.Issuer,
		cache:  opts.Cache,
		prefix: opts.DisplayNamePrefix,
		logger: opts.Logger.With().Str("component", "credentials").Logger(),
		now:    opts.Now,
	}
	if s.prefix == "" {
		s.prefix = DefaultDisplayNamePrefix
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func validateKey(op, ownerID, provider string) error {
	if strings.TrimSpace(ownerID) == "" {
		return chaterrors.E(chaterrors.KindUnauthorized, op, "not logged in")
	}
	if strings.TrimSpace(provider) == "" {
		return chaterrors.Validation(op, "provider is required")
	}
	return nil
}

// GetOrCreate returns the owner's active key for provider, issuing and
// persisting a new one when none exists. An existing key is returned without
// side effects.
func (s *Service) GetOrCreate(ctx context.Context, ownerID, provider string) (Result, error) {
	const op = "credentials.get_or_create"
	if err := validateKey(op, ownerID, provider); err != nil {
		return Result{}, err
	}
	ownerID, provider = strings.TrimSpace(ownerID), strings.TrimSpace(provider)

	if c, ok := s.cacheGet(ctx, ownerID, provider); ok {
		return Result{Key: c.SecretKey, DisplayName: c.DisplayName, Existed: true}, nil
	}

	c, ok, err := s.store.GetActiveCredential(ctx, ownerID, provider)
	if err != nil {
		return Result{}, err
	}
	if ok {
		s.cacheSet(ctx, c)
		return Result{Key: c.SecretKey, DisplayName: c.DisplayName, Existed: true}, nil
	}

	issued, err := s.issuer.Issue(ctx, IssueRequest{
		OwnerID:     ownerID,
		Provider:    provider,
		DisplayName: s.prefix + ownerID,
	})
	if err != nil {
		if !errors.Is(err, ErrProvisioningFailed) {
			err = errors.Wrap(ErrProvisioningFailed, err.Error())
		}
		kind := chaterrors.KindOf(err)
		if kind == chaterrors.KindUnknown {
			kind = chaterrors.KindUpstreamUnavailable
		}
		return Result{}, chaterrors.Wrap(err, kind, op, "credential provisioning failed")
	}

	inserted, err := s.store.InsertCredential(ctx, chatstore.Credential{
		OwnerID:       ownerID,
		Provider:      provider,
		ProviderKeyID: issued.KeyID,
		SecretKey:     issued.Key,
		DisplayName:   issued.DisplayName,
		CreatedAtMs:   s.now().UnixMilli(),
	})
	if chaterrors.Is(err, chaterrors.KindConflict) {
		// A concurrent request won the insert; hand back its key.
		winner, ok, rerr := s.store.GetActiveCredential(ctx, ownerID, provider)
		if rerr != nil {
			return Result{}, rerr
		}
		if !ok {
			return Result{}, err
		}
		s.logger.Warn().Str("owner_id", ownerID).Str("provider", provider).
			Str("orphaned_key_id", issued.KeyID).Msg("lost provisioning race, using existing key")
		s.cacheSet(ctx, winner)
		return Result{Key: winner.SecretKey, DisplayName: winner.DisplayName, Existed: true}, nil
	}
	if err != nil {
		return Result{}, err
	}
	s.logger.Info().Str("owner_id", ownerID).Str("provider", provider).Str("key_id", inserted.ProviderKeyID).Msg("provisioned credential")
	s.cacheSet(ctx, inserted)
	return Result{Key: inserted.SecretKey, DisplayName: inserted.DisplayName, Existed: false}, nil
}

// Touch records a use of the owner's active key. Failures are logged.
func (s *Service) Touch(ctx context.Context, ownerID, provider string) {
	if err := s.store.TouchCredential(ctx, ownerID, provider, s.now().UnixMilli()); err != nil {
		s.logger.Warn().Err(err).Str("owner_id", ownerID).Str("provider", provider).Msg("touch credential failed")
	}
}

// Deactivate retires the owner's active key so that the next GetOrCreate
// issues a fresh one.
func (s *Service) Deactivate(ctx context.Context, ownerID, provider string) error {
	const op = "credentials.deactivate"
	if err := validateKey(op, ownerID, provider); err != nil {
		return err
	}
	ownerID, provider = strings.TrimSpace(ownerID), strings.TrimSpace(provider)
	ok, err := s.store.DeactivateCredential(ctx, ownerID, provider)
	if err != nil {
		return err
	}
	s.cacheDelete(ctx, ownerID, provider)
	if !ok {
		return chaterrors.NotFound(op, "no active credential")
	}
	return nil
}

func (s *Service) cacheGet(ctx context.Context, ownerID, provider string) (chatstore.Credential, bool) {
	if s.cache == nil {
		return chatstore.Credential{}, false
	}
	c, ok, err := s.cache.Get(ctx, ownerID, provider)
	if err != nil {
		s.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("credential cache read failed")
		return chatstore.Credential{}, false
	}
	return c, ok
}

func (s *Service) cacheSet(ctx context.Context, c chatstore.Credential) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, c); err != nil {
		s.logger.Warn().Err(err).Str("owner_id", c.OwnerID).Msg("credential cache write failed")
	}
}

func (s *Service) cacheDelete(ctx context.Context, ownerID, provider string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, ownerID, provider); err != nil {
		s.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("credential cache delete failed")
	}
}
