package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the caller does not hold the lock,
// either because it expired or because a different holder owns it.
var ErrNotHeld = errors.New("redis: lock not held")

// unlockScript deletes the lock key only if its value still matches the
// token this holder set, avoiding releasing a lock acquired by someone else
// after this holder's TTL expired.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// LockConfig describes connection parameters for the distributed lock
// manager.
type LockConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// LockManager grants short-lived mutual-exclusion locks over Redis, used to
// coordinate task-market mutations across multiple marketd replicas the way
// a single process coordinates them with Service.taskLock in-process.
type LockManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLockManager connects to Redis and verifies reachability.
func NewLockManager(cfg LockConfig) (*LockManager, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &LockManager{client: client, ttl: ttl}, nil
}

// Handle identifies one successful acquisition, needed to release the
// correct token.
type Handle struct {
	key   string
	token string
}

// Lock acquires the named lock, blocking until acquired or ctx is done.
func (m *LockManager) Lock(ctx context.Context, name string) (*Handle, error) {
	key := "lock:" + name
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("生成锁令牌失败: %w", err)
	}
	for {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("获取分布式锁失败: %w", err)
		}
		if ok {
			return &Handle{key: key, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Unlock releases the lock, refusing if the caller no longer holds it.
func (m *LockManager) Unlock(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	res, err := m.client.Eval(ctx, unlockScript, []string{h.key}, h.token).Result()
	if err != nil {
		return fmt.Errorf("释放分布式锁失败: %w", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Close releases the underlying connection.
func (m *LockManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
