package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// velocityScript is a token bucket evaluated atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = "1" to consume, "0" to only check
// ARGV[6] = key ttl in seconds
var velocityScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local consume = ARGV[5] == "1"
local ttl = tonumber(ARGV[6])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    allowed = 1
    if consume then
        tokens = tokens - cost
    end
end

if consume then
    redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
    redis.call("EXPIRE", key, ttl)
end

return {allowed, tostring(tokens)}
`)

// reserveScript charges both daily counters only if neither cap is passed.
// KEYS[1] = user spend key
// KEYS[2] = global spend key
// ARGV[1] = amount
// ARGV[2] = user daily cap
// ARGV[3] = global daily cap
// ARGV[4] = key ttl in seconds
// Returns 0 when reserved, 1 for the user cap, 2 for the global cap.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local user = tonumber(redis.call("GET", KEYS[1]) or "0")
local global = tonumber(redis.call("GET", KEYS[2]) or "0")

if global + amount > tonumber(ARGV[3]) then
    return 2
end
if user + amount > tonumber(ARGV[2]) then
    return 1
end

redis.call("INCRBY", KEYS[1], ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[4])
redis.call("INCRBY", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[2], ARGV[4])
return 0
`)

// releaseScript refunds a reservation without taking a counter below zero or
// recreating an expired one.
// KEYS = spend keys
// ARGV[1] = amount
var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
    if redis.call("EXISTS", key) == 1 then
        if redis.call("DECRBY", key, ARGV[1]) < 0 then
            redis.call("SET", key, 0, "KEEPTTL")
        end
    end
end
return 0
`)

const spendTTL = 48 * time.Hour

// RedisLedger shares spend and velocity across signer processes.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger wraps client. Keys are prefixed with "signer:".
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "signer"}
}

// NewRedisLedgerFromAddr dials addr.
func NewRedisLedgerFromAddr(addr, password string, db int) *RedisLedger {
	return NewRedisLedger(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Spend keys of one day share a hash slot so MGET and MULTI work on a cluster.
func (r *RedisLedger) userKey(userID, day string) string {
	return fmt.Sprintf("%s:{spend-%s}:user:%s", r.prefix, day, userID)
}

func (r *RedisLedger) globalKey(day string) string {
	return fmt.Sprintf("%s:{spend-%s}:global", r.prefix, day)
}

func (r *RedisLedger) velocityKey(userID string) string {
	return fmt.Sprintf("%s:velocity:{%s}", r.prefix, userID)
}

func (r *RedisLedger) Usage(ctx context.Context, userID string, v Velocity, now time.Time) (Usage, error) {
	day := dayKey(now)
	vals, err := r.client.MGet(ctx, r.userKey(userID, day), r.globalKey(day)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("redis ledger usage: %w", err)
	}
	var u Usage
	if u.UserDaily, err = parseCounter(vals[0]); err != nil {
		return Usage{}, err
	}
	if u.GlobalDaily, err = parseCounter(vals[1]); err != nil {
		return Usage{}, err
	}
	if v.Enabled() {
		ok, err := r.velocity(ctx, userID, v, now, false)
		if err != nil {
			return Usage{}, err
		}
		u.VelocityExceeded = !ok
	}
	return u, nil
}

// Reserve runs the cap check and both increments in one script. The
// velocity token is taken afterwards; a refused token refunds the spend.
func (r *RedisLedger) Reserve(ctx context.Context, userID string, amount uint64, caps Caps, v Velocity, now time.Time) (Reservation, error) {
	day := dayKey(now)
	res := Reservation{UserID: userID, Amount: clampInt64(amount), Day: day}
	keys := []string{r.userKey(userID, day), r.globalKey(day)}
	code, err := reserveScript.Run(ctx, r.client, keys,
		strconv.FormatUint(res.Amount, 10),
		strconv.FormatUint(caps.UserDaily, 10),
		strconv.FormatUint(caps.GlobalDaily, 10),
		int64(spendTTL/time.Second),
	).Int()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis ledger reserve: %w", err)
	}
	switch code {
	case 0:
	case 1:
		return Reservation{}, ErrUserCapReached
	case 2:
		return Reservation{}, ErrGlobalCapReached
	default:
		return Reservation{}, fmt.Errorf("redis ledger reserve: unexpected result %d", code)
	}

	if v.Enabled() {
		ok, err := r.velocity(ctx, userID, v, now, true)
		if err == nil && !ok {
			err = ErrVelocityReached
		}
		if err != nil {
			if rerr := r.Release(context.WithoutCancel(ctx), res); rerr != nil {
				return Reservation{}, errors.Join(err, rerr)
			}
			return Reservation{}, err
		}
	}
	return res, nil
}

func (r *RedisLedger) Release(ctx context.Context, res Reservation) error {
	keys := []string{r.userKey(res.UserID, res.Day), r.globalKey(res.Day)}
	if err := releaseScript.Run(ctx, r.client, keys, strconv.FormatUint(res.Amount, 10)).Err(); err != nil {
		return fmt.Errorf("redis ledger release: %w", err)
	}
	return nil
}

// clampInt64 keeps amounts within what INCRBY accepts.
func clampInt64(v uint64) uint64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return v
}

func (r *RedisLedger) velocity(ctx context.Context, userID string, v Velocity, now time.Time, consume bool) (bool, error) {
	window := time.Duration(v.Window)
	refill := float64(v.Count) / window.Seconds()
	ttl := int64(math.Ceil(window.Seconds())) + 1
	flag := "0"
	if consume {
		flag = "1"
	}
	ts := float64(now.UnixMicro()) / 1e6

	res, err := velocityScript.Run(ctx, r.client, []string{r.velocityKey(userID)}, refill, v.Count, 1, ts, flag, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis velocity error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, errors.New("invalid response from velocity script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

func parseCounter(v any) (uint64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("redis ledger: corrupt counter %q", s)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("redis ledger: unexpected counter type %T", v)
	}
}

// Close releases the client.
func (r *RedisLedger) Close() error { return r.client.Close() }
