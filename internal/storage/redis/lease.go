package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/pkg/logger"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript 只在值与 token 相同时删除键，避免误删他人续上的租约。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript 只在仍持有租约时延长过期时间。
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

const defaultLeaseTTL = 10 * time.Minute

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type leaseClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
	Close() error
}

// Lease 基于 SET NX PX 实现的调度互斥。持有期间每隔 TTL 的三分之一续期一次，
// 因此一轮调度的耗时不受 TTL 限制；进程崩溃后租约最多在一个 TTL 后释放。
type Lease struct {
	client leaseClient
	prefix string
	logger *slog.Logger
}

// NewLease 连接 Redis 并返回租约实例。
func NewLease(ctx context.Context, cfg Config) (*Lease, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newLease(client, cfg.Prefix), nil
}

func newLease(client leaseClient, prefix string) *Lease {
	if prefix == "" {
		prefix = "questpilot:lease"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Lease{client: client, prefix: prefix, logger: logger.Named("storage.redis")}
}

// Acquire 尝试获取 key 对应的租约。acquired 为 false 时 release 为 nil。
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	fullKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取调度租约失败",
			xerrors.WithMetadata("key", fullKey))
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(fullKey, token, ttl, stop, done)

	var once sync.Once
	release := func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		deleted, err := l.client.Eval(ctx, releaseScript, []string{fullKey}, token).Int64()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放调度租约失败",
				xerrors.WithMetadata("key", fullKey))
		}
		if deleted == 0 {
			return xerrors.New(xerrors.CodeLeaseHeld, fmt.Sprintf("租约 %s 已过期或被其他进程持有", fullKey))
		}
		return nil
	}
	return release, true, nil
}

// keepAlive 周期性续期，直到 stop 关闭或租约已不属于当前 token。
func (l *Lease) keepAlive(key, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		renewed, err := l.client.Eval(ctx, renewScript, []string{key}, token, ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			l.logger.Warn("续期调度租约失败", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if renewed == 0 {
			l.logger.Warn("调度租约已丢失，停止续期", slog.String("key", key))
			return
		}
	}
}

// Close 关闭 Redis 连接。
func (l *Lease) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
