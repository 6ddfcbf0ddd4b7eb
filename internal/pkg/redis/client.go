// internal/pkg/redis/client.go
package redis

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Client 封装了 go-redis 的 UniversalClient，单节点和集群使用同一套代码。
type Client struct {
	rdb goredis.UniversalClient
}

// NewClient addrs 格式为 "host1:port1,host2:port2"
func NewClient(addrs, password string, db int) (*Client, error) {
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        strings.Split(addrs, ","),
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addrs)
	}
	log.Printf("✅ Successfully connected to Redis at %s", addrs)
	return &Client{rdb: rdb}, nil
}

// Wrap 用已有的 go-redis 客户端构造 Client，测试中配合 miniredis 使用。
func Wrap(rdb goredis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) GetClient() goredis.UniversalClient {
	return c.rdb
}

// RunScript 执行一个 Lua 脚本，go-redis 会优先使用 EVALSHA。
func (c *Client) RunScript(ctx context.Context, script *goredis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
