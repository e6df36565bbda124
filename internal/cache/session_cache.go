// Package cache はセッション検索を高速化するRedisキャッシュを提供する。
// キャッシュは正本ではなく、内容はいつでも永続層から再構築できる。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix はセッションキャッシュのキー接頭辞。
const keyPrefix = "session:"

// Entry はセッショントークンをキーとしてキャッシュするセッションの索引情報。
type Entry struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RedisSessionCache はRedisを使用したセッションキャッシュ。
type RedisSessionCache struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisSessionCache はRedisSessionCacheを生成する。
func NewRedisSessionCache(client redis.UniversalClient) *RedisSessionCache {
	return &RedisSessionCache{client: client, now: time.Now}
}

// WithClock は残り有効期間の計算に使う時刻関数を差し替える。テスト用。
func (c *RedisSessionCache) WithClock(now func() time.Time) *RedisSessionCache {
	c.now = now
	return c
}

// Connect はRedisクライアントを生成し、疎通確認を行う。
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func key(sessionToken string) string {
	return keyPrefix + sessionToken
}

// Set はセッションの索引情報を書き込む。
// TTLは有効期限までの残り秒数とし、残りがない場合は何も書き込まない。
func (c *RedisSessionCache) Set(ctx context.Context, sessionToken string, entry Entry) error {
	ttl := entry.ExpiresAt.Sub(c.now()).Truncate(time.Second)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key(sessionToken), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Get はセッショントークンの索引情報を取得する。存在しない場合はnilを返す。
func (c *RedisSessionCache) Get(ctx context.Context, sessionToken string) (*Entry, error) {
	data, err := c.client.Get(ctx, key(sessionToken)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

// Delete はセッショントークンの索引情報を削除する。存在しなくてもエラーにしない。
func (c *RedisSessionCache) Delete(ctx context.Context, sessionToken string) error {
	if err := c.client.Del(ctx, key(sessionToken)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteMany は複数のセッショントークンの索引情報を1回の往復で削除する。
func (c *RedisSessionCache) DeleteMany(ctx context.Context, sessionTokens []string) error {
	if len(sessionTokens) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, token := range sessionTokens {
		pipe.Del(ctx, key(token))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (c *RedisSessionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
