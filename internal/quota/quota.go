// Package quota enforces the per-tenant request quota at the Tenant Gate
// (§4.9), adapted from internal/ratelimit's Redis sliding-window counter.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRedisUnavailable = errors.New("quota: redis unavailable")
)

// Decision reports the outcome of a quota check for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Config bounds the number of requests a tenant may make in Window.
type Config struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

var incrAndExpire = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

type Checker struct {
	client *redis.Client
}

func NewChecker(client *redis.Client) *Checker {
	return &Checker{client: client}
}

// Check increments the tenant's counter for the current window and reports
// whether the request should be allowed. The increment always happens, even
// when the result is over limit — a rejected request still consumes budget,
// consistent with §4.9 quota enforcement running after the credential
// lookup but before the handler body executes.
func (c *Checker) Check(ctx context.Context, tenantID string, cfg Config) (*Decision, error) {
	key := "quota:" + tenantID

	count, err := incrAndExpire.Run(ctx, c.client, []string{key}, cfg.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = cfg.Window
	}

	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:    count <= cfg.Limit,
		Limit:      cfg.Limit,
		Remaining:  remaining,
		RetryAfter: ttl,
	}, nil
}
