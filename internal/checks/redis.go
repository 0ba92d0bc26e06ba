package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisExecutor checks a Redis server with PING and reports the round trip
// latency.
//
// Config keys: port (default 6379; 6380 implies TLS), username, password,
// db, tls, tlsSkipVerify.
type redisExecutor struct{}

// NewRedisExecutor returns the Redis executor.
func NewRedisExecutor() Executor { return &redisExecutor{} }

func (redisExecutor) Type() string { return TypeRedis }

func (e *redisExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	opts, err := e.options(in)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	client := redis.NewClient(opts)
	defer client.Close()

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		elapsed := time.Since(start)
		msg := err.Error()
		if strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") ||
			strings.Contains(msg, "invalid username-password") {
			out := Failure(CodeAuthFailed, fmt.Sprintf("Redis authentication failed: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}

	return Success(time.Since(start)), nil
}

func (e *redisExecutor) options(in *Input) (*redis.Options, error) {
	target := strings.TrimSpace(in.URL)
	if strings.HasPrefix(target, "redis://") || strings.HasPrefix(target, "rediss://") {
		opts, err := redis.ParseURL(target)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts.DialTimeout = in.Timeout()
		opts.ReadTimeout = in.Timeout()
		opts.WriteTimeout = in.Timeout()
		return opts, nil
	}

	port := in.ConfigInt("port", 6379)
	addr, host, err := targetAddr(target, fmt.Sprintf("%d", port))
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         addr,
		Username:     in.ConfigString("username", ""),
		Password:     in.ConfigString("password", ""),
		DB:           in.ConfigInt("db", 0),
		DialTimeout:  in.Timeout(),
		ReadTimeout:  in.Timeout(),
		WriteTimeout: in.Timeout(),
		// Health checks probe one connection, not a pool.
		PoolSize:        1,
		MaxRetries:      -1,
		MinIdleConns:    0,
		ConnMaxIdleTime: time.Second,
	}
	if in.ConfigBool("tls", port == 6380) {
		opts.TLSConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false),
		}
	}
	return opts, nil
}
