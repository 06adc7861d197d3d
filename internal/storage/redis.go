package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"intake-agent-go/internal/config"
	"intake-agent-go/internal/constants"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis客户端连接
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration 返回配置的MD5记录过期时间
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		return constants.DefaultMD5RecordExpire
	}
	return time.Duration(days) * 24 * time.Hour
}

// GetFieldMap 读取CRM字段映射缓存，缓存未命中返回nil
func (r *Redis) GetFieldMap(ctx context.Context) (map[string]string, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis client is not initialized")
	}
	raw, err := r.Client.Get(ctx, constants.KeyCRMFieldMap).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fieldMap map[string]string
	if err := json.Unmarshal([]byte(raw), &fieldMap); err != nil {
		return nil, fmt.Errorf("反序列化字段映射失败: %w", err)
	}
	return fieldMap, nil
}

// SetFieldMap 写入CRM字段映射缓存
func (r *Redis) SetFieldMap(ctx context.Context, data map[string]string, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化字段映射失败: %w", err)
	}
	return r.Client.Set(ctx, constants.KeyCRMFieldMap, raw, ttl).Err()
}

// CheckRawFileMD5Exists 检查原始文件MD5是否存在于去重集合中
func (r *Redis) CheckRawFileMD5Exists(ctx context.Context, md5Hex string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	return r.Client.SIsMember(ctx, constants.KeyRawFileMD5Set, md5Hex).Result()
}

// AddRawFileMD5 添加原始文件MD5到去重集合并设置过期时间
func (r *Redis) AddRawFileMD5(ctx context.Context, md5Hex string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	pipe := r.Client.Pipeline()
	pipe.SAdd(ctx, constants.KeyRawFileMD5Set, md5Hex)
	// ExpireNX: 仅在集合尚无过期时间时设置，不重置滑动窗口
	pipe.ExpireNX(ctx, constants.KeyRawFileMD5Set, r.GetMD5ExpireDuration())
	_, err := pipe.Exec(ctx)
	return err
}
