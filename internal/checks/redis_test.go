package checks

import (
	"context"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCheckPing(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       mr.Addr(),
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	require.NotNil(t, out.ResponseTimeMs)
}

func TestRedisCheckURLTarget(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       "redis://" + mr.Addr(),
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestRedisCheckPasswordAuth(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	mr.RequireAuth("sekrit")

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       mr.Addr(),
		TimeoutMs: 2000,
		Config:    map[string]any{"password": "sekrit"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestRedisCheckWrongPassword(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	mr.RequireAuth("sekrit")

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       mr.Addr(),
		TimeoutMs: 2000,
		Config:    map[string]any{"password": "guess"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeAuthFailed, out.ErrorCode)
}

func TestRedisCheckMissingPassword(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	mr.RequireAuth("sekrit")

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       mr.Addr(),
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeAuthFailed, out.ErrorCode)
}

func TestRedisCheckConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       addr,
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeConnRefused, out.ErrorCode)
}

func TestRedisCheckInvalidURL(t *testing.T) {
	t.Parallel()

	out, err := NewRedisExecutor().Check(context.Background(), &Input{
		Type:      TypeRedis,
		URL:       "redis://[bad",
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, CodeInvalidConfig, out.ErrorCode)
}
