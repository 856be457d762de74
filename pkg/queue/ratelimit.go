package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript implements a token bucket in Lua so the refill check and the
// token debit happen atomically across producers.
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= 1 then
		redis.call('HSET', key, 'tokens', new_tokens - 1, 'last_refill', now)
		return 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	return 0
`)

// Allow consumes one token from the bucket stored under key, refilling at
// rate tokens per second up to burst. It returns false when the bucket is
// empty. The producer keys buckets per target agent to shield a runtime
// from task-creation bursts.
func (q *Queue) Allow(ctx context.Context, key string, rate, burst int) (bool, error) {
	res, err := allowScript.Run(ctx, q.rdb,
		[]string{key},
		rate, burst, time.Now().Unix(),
	).Result()
	if err != nil {
		return false, err
	}
	return res.(int64) == 1, nil
}
