package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRequestKey = "search:requests"
	DefaultReplyKey   = "search:replies"
	defaultBlockWait  = 2 * time.Second
)

// Redis pops requests from one list and pushes answers onto another.
type Redis struct {
	rdb        *redis.Client
	requestKey string
	replyKey   string
	blockWait  time.Duration
}

func NewRedis(rdb *redis.Client, requestKey, replyKey string) *Redis {
	if strings.TrimSpace(requestKey) == "" {
		requestKey = DefaultRequestKey
	}
	if strings.TrimSpace(replyKey) == "" {
		replyKey = DefaultReplyKey
	}
	return &Redis{rdb: rdb, requestKey: requestKey, replyKey: replyKey, blockWait: defaultBlockWait}
}

func (r *Redis) Receive(ctx context.Context) ([]byte, error) {
	for {
		res, err := r.rdb.BLPop(ctx, r.blockWait, r.requestKey).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("blpop %s: %w", r.requestKey, err)
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("blpop %s: unexpected reply %v", r.requestKey, res)
		}
		return []byte(res[1]), nil
	}
}

func (r *Redis) Send(ctx context.Context, payload []byte) error {
	if err := r.rdb.RPush(ctx, r.replyKey, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", r.replyKey, err)
	}
	return nil
}

// ParseRedisURL accepts redis:// and rediss:// URLs with an optional
// password and database index.
func ParseRedisURL(raw string) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "redis://") && !strings.HasPrefix(raw, "rediss://") {
		return nil, fmt.Errorf("unsupported redis url: %q", raw)
	}
	return redis.ParseURL(raw)
}
