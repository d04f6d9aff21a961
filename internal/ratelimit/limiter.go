package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int
	Window time.Duration
}

// DefaultLogin is 5 attempts per 15 minutes per (IP, username) pair.
var DefaultLogin = LimitConfig{Rate: 5, Window: 15 * time.Minute}

// DefaultUpload bounds device uploads to 60 per minute per device.
var DefaultUpload = LimitConfig{Rate: 60, Window: time.Minute}

type Limiter struct {
	client *redis.Client
	salt   string // for IP hashing stability
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP creates a privacy-safe hash of the IP.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// LoginKey scopes login attempts to the (IP, username) pair.
func (l *Limiter) LoginKey(ip, username string) string {
	return fmt.Sprintf("rl:login:%s:%s", l.HashIP(ip), l.HashIP(username))
}

// UploadKey scopes upload attempts to the device.
func (l *Limiter) UploadKey(deviceID string) string {
	return fmt.Sprintf("rl:upload:%s", deviceID)
}

// incrExpire atomically increments the window counter and sets its expiry
// on first increment.
var incrExpire = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// Check counts the request against a fixed window rooted at the first
// request in the window.
func (l *Limiter) Check(ctx context.Context, key string, config LimitConfig) (*Decision, error) {
	count, err := incrExpire.Run(ctx, l.client, []string{key}, config.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(config.Window), // upper bound
		RetryAfter: int(config.Window.Seconds()),
		Allowed:    count <= config.Rate,
	}, nil
}

// ClearLogin resets the window after a successful login.
func (l *Limiter) ClearLogin(ctx context.Context, ip, username string) error {
	return l.client.Del(ctx, l.LoginKey(ip, username)).Err()
}
