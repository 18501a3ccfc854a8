package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 描述缓存连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Cache 在 go-redis 之上提供带统一前缀的 JSON 读写。
type Cache struct {
	client *redis.Client
	prefix string
}

// NewCache 创建缓存客户端并验证连通性。
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "openintent:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) key(key string) string {
	if strings.HasPrefix(key, c.prefix) {
		return key
	}
	return c.prefix + key
}

// GetJSON 读取并反序列化缓存值。键不存在时返回 (false, nil)。
func (c *Cache) GetJSON(ctx context.Context, key string, target any) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("读取缓存失败: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("解析缓存值失败: %w", err)
	}
	return true, nil
}

// SetJSON 序列化并写入缓存值。ttl 为 0 表示不过期。
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("编码缓存值失败: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Delete 移除缓存值。
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
