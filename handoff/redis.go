package handoff

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/hubgate/internal/util"
)

// DefaultRedisKey is the key the pending session hash is stored under.
const DefaultRedisKey = "hubgate:handoff"

// takeIfMatchScript deletes the hash and returns {user, expires} only when
// its arg field equals ARGV[1]. Lua string comparison is not constant time,
// so both sides are SHA-256 digests of the argument rather than the argument
// itself.
const takeIfMatchScript = `
local stored = redis.call("HGET", KEYS[1], "arg")
if not stored or stored ~= ARGV[1] then
  return false
end
local vals = redis.call("HMGET", KEYS[1], "user", "expires")
redis.call("DEL", KEYS[1])
return vals
`

var takeIfMatchLua = redis.NewScript(takeIfMatchScript)

// RedisStore keeps the pending session in a Redis hash so every gateway
// instance in front of the same site shares one slot.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore using key, or DefaultRedisKey when key
// is empty.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Put(ctx context.Context, s Session, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			"user", s.UserID,
			"arg", argDigest(s.SecurityArg),
			"expires", strconv.FormatInt(s.ExpiresAt.UnixNano(), 10),
		)
		pipe.PExpire(ctx, r.key, ttl)
		return nil
	})
	return err
}

func (r *RedisStore) TakeIfMatch(ctx context.Context, arg string) (Session, bool, error) {
	res, err := takeIfMatchLua.Run(ctx, r.client, []string{r.key}, argDigest(arg)).Slice()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	if len(res) != 2 {
		return Session{}, false, fmt.Errorf("unexpected handoff reply length %d", len(res))
	}
	user, _ := res[0].(string)
	expiresRaw, _ := res[1].(string)
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return Session{}, false, fmt.Errorf("parsing handoff expiry: %w", err)
	}
	return Session{UserID: user, SecurityArg: arg, ExpiresAt: time.Unix(0, expires)}, true, nil
}

func argDigest(arg string) string {
	sum := sha256.Sum256([]byte(arg))
	return util.HexEncode(sum[:])
}
