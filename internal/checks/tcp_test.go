package checks

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPCheckConnect(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	out, err := NewTCPExecutor().Check(context.Background(), &Input{
		Type:      TypeTCP,
		URL:       ln.Addr().String(),
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	require.NotNil(t, out.TCPConnectMs)
}

func TestTCPCheckSendExpect(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, _ := bufio.NewReader(c).ReadString('\n')
				if strings.TrimSpace(line) == "PING" {
					c.Write([]byte("PONG\n"))
				} else {
					c.Write([]byte("ERR\n"))
				}
			}(conn)
		}
	}()

	out, err := NewTCPExecutor().Check(context.Background(), &Input{
		Type:      TypeTCP,
		URL:       ln.Addr().String(),
		TimeoutMs: 2000,
		Config:    map[string]any{"sendData": "PING\n", "expectResponse": "PONG"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)

	out, err = NewTCPExecutor().Check(context.Background(), &Input{
		Type:      TypeTCP,
		URL:       ln.Addr().String(),
		TimeoutMs: 2000,
		Config:    map[string]any{"sendData": "HELLO\n", "expectResponse": "PONG"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodePatternMismatch, out.ErrorCode)
}

func TestTCPCheckConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	out, err := NewTCPExecutor().Check(context.Background(), &Input{
		Type:      TypeTCP,
		URL:       addr,
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeConnRefused, out.ErrorCode)
}

func TestTCPCheckMissingPort(t *testing.T) {
	t.Parallel()

	out, err := NewTCPExecutor().Check(context.Background(), &Input{
		Type:      TypeTCP,
		URL:       "host.example.test",
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, CodeInvalidConfig, out.ErrorCode)
}
