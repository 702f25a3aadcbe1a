package oauthinfra

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/oauth"
	"github.com/redis/go-redis/v9"
)

const pendingPrefix = "oauth2_pending:"

// RedisPendingStore keeps pending authorizations under oauth2_pending:{state}.
// GETDEL makes Consume single use across instances.
type RedisPendingStore struct {
	rdb *redis.Client
}

func NewRedisPendingStore(rdb *redis.Client) *RedisPendingStore {
	return &RedisPendingStore{rdb: rdb}
}

var _ oauth.PendingStore = (*RedisPendingStore)(nil)

func (s *RedisPendingStore) Save(ctx context.Context, p oauth.PendingAuthorization, ttl time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return errx.Wrap(err, "failed to encode pending authorization", errx.TypeInternal)
	}
	ok, err := s.rdb.SetNX(ctx, pendingPrefix+p.State, payload, ttl).Result()
	if err != nil {
		return errx.Wrap(err, "failed to store pending authorization", errx.TypeExternal)
	}
	if !ok {
		return errx.New("state collision", errx.TypeInternal)
	}
	return nil
}

// Consume returns nil when the state is unknown or already used
func (s *RedisPendingStore) Consume(ctx context.Context, state string) (*oauth.PendingAuthorization, error) {
	raw, err := s.rdb.GetDel(ctx, pendingPrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errx.Wrap(err, "failed to consume pending authorization", errx.TypeExternal)
	}

	var p oauth.PendingAuthorization
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errx.Wrap(err, "corrupt pending authorization", errx.TypeInternal)
	}
	return &p, nil
}
