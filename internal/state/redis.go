package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKV Redis持久化的KV
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV 连接Redis并检查连通性
func NewRedisKV(ctx context.Context, addr, password string, db int, prefix string) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}
	return &RedisKV{client: client, prefix: prefix}, nil
}

// NewRedisKVWithClient 使用已有客户端
func NewRedisKVWithClient(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

// Load 读取键值
func (r *RedisKV) Load(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取键 %s 失败: %w", key, err)
	}
	return value, nil
}

// Save 写入键值,不过期
func (r *RedisKV) Save(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("写入键 %s 失败: %w", key, err)
	}
	return nil
}

// Close 关闭连接
func (r *RedisKV) Close() error {
	return r.client.Close()
}
