package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript mirrors the single-key token bucket algorithm: refill
// by elapsed time, then attempt to consume one token. KEYS[1] is the
// bucket key; ARGV is rate (tokens/sec), capacity, cost, and the current
// unix time in fractional seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// Distributed is a Redis-backed token bucket shared across every process
// writing to the same agent's ledger.
type Distributed struct {
	client   *redis.Client
	ratePerS float64
	burst    int
}

// NewDistributed builds a limiter against an existing Redis client.
func NewDistributed(client *redis.Client, ratePerSecond float64, burst int) *Distributed {
	return &Distributed{client: client, ratePerS: ratePerSecond, burst: burst}
}

// Allow runs the token-bucket script for agentID, consuming one token on
// success.
func (l *Distributed) Allow(ctx context.Context, agentID string) (bool, error) {
	key := fmt.Sprintf("gef:ratelimit:%s", agentID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, l.ratePerS, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result type %T", res)
	}
	return allowed == 1, nil
}
