package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// tokenBucket refills rate tokens per second up to burst and takes one.
// Returns {allowed, wait_ms}.
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst * 1000 / rate) + 1000)
return {allowed, wait}
`)

type RateLimitConfig struct {
	Redis      *redis.Client
	DefaultRPS int // used when the user has no rate_limit_rps
	Burst      int // bucket size; defaults to the rps
	KeyPrefix  string
}

// Limiter is a per-user token bucket kept in Redis, shared by every API node.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time
}

func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:user:"
	}
	return &Limiter{cfg: cfg, now: time.Now}
}

// Allow takes one token for userID. When denied it reports how long until
// the next token.
func (l *Limiter) Allow(ctx context.Context, userID int64, rps int) (bool, time.Duration, error) {
	burst := l.cfg.Burst
	if burst < rps {
		burst = rps
	}
	res, err := tokenBucket.Run(ctx, l.cfg.Redis,
		[]string{l.cfg.KeyPrefix + strconv.FormatInt(userID, 10)},
		rps, burst, l.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return true, 0, err
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// RateLimitMiddleware limits each user to its rps. It expects the user id set
// by APIKeyMiddleware; Redis errors fail open.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := NewLimiter(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, ok := UserIDFromCtx(c)
			if !ok {
				return next(c)
			}
			rps := cfg.DefaultRPS
			if v, ok := c.Get(ctxUserRPS).(int); ok && v > 0 {
				rps = v
			}
			if rps <= 0 || cfg.Redis == nil {
				return next(c)
			}

			allowed, wait, err := l.Allow(c.Request().Context(), userID, rps)
			if err != nil {
				c.Logger().Warnf("rate limiter unavailable: %v", err)
				return next(c)
			}
			if !allowed {
				secs := int((wait + time.Second - 1) / time.Second)
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
