package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

const DefaultCacheTTL = 10 * time.Minute

// RedisCache keeps active credentials in Redis under
// <prefix>cred:<provider>:<owner> for a fixed TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("credentials: redis client is nil")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCache) key(ownerID, provider string) string {
	return c.prefix + "cred:" + provider + ":" + ownerID
}

func (c *RedisCache) Get(ctx context.Context, ownerID, provider string) (chatstore.Credential, bool, error) {
	raw, err := c.client.Get(ctx, c.key(ownerID, provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chatstore.Credential{}, false, nil
	}
	if err != nil {
		return chatstore.Credential{}, false, errors.Wrap(err, "redis get")
	}
	var cred chatstore.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return chatstore.Credential{}, false, errors.Wrap(err, "decode cached credential")
	}
	if !cred.Active || cred.SecretKey == "" {
		return chatstore.Credential{}, false, nil
	}
	return cred, true, nil
}

func (c *RedisCache) Set(ctx context.Context, cred chatstore.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return errors.Wrap(err, "encode credential")
	}
	return errors.Wrap(c.client.Set(ctx, c.key(cred.OwnerID, cred.Provider), raw, c.ttl).Err(), "redis set")
}

func (c *RedisCache) Delete(ctx context.Context, ownerID, provider string) error {
	return errors.Wrap(c.client.Del(ctx, c.key(ownerID, provider)).Err(), "redis del")
}
