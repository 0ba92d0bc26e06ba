package checks

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshExecutor checks an SSH server. Without credentials it verifies the
// protocol banner; with a username and password or private key it completes
// a full handshake and authentication.
//
// Config keys: port (default 22), username, password, privateKey (PEM),
// privateKeyPassphrase.
type sshExecutor struct{}

// NewSSHExecutor returns the SSH executor.
func NewSSHExecutor() Executor { return &sshExecutor{} }

func (sshExecutor) Type() string { return TypeSSH }

func (e *sshExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := in.ConfigInt("port", 22)
	addr, _, err := targetAddr(in.URL, strconv.Itoa(port))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	username := in.ConfigString("username", "")
	if username == "" {
		return e.checkBanner(ctx, addr)
	}

	auth, err := e.authMethods(in)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	cfg := &ssh.ClientConfig{
		User: username,
		Auth: auth,
		// The monitor has no prior knowledge of the host key.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         in.Timeout(),
	}

	start := time.Now()
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		elapsed := time.Since(start)
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			out := Failure(CodeAuthFailed, fmt.Sprintf("SSH authentication failed: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	elapsed := time.Since(start)
	out := Success(elapsed)
	out.SetPayload("serverVersion", string(sshConn.ServerVersion()))
	client.Close()
	return out, nil
}

// checkBanner reads the SSH identification string without authenticating.
func (e *sshExecutor) checkBanner(ctx context.Context, addr string) (*Outcome, error) {
	start := time.Now()
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	banner, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	elapsed := time.Since(start)
	if !strings.HasPrefix(banner, "SSH-") {
		out := Failure(CodeUnhealthy, fmt.Sprintf("unexpected SSH banner: %s", strings.TrimSpace(banner)))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	out := Success(elapsed)
	out.SetPayload("serverVersion", strings.TrimSpace(banner))
	return out, nil
}

func (e *sshExecutor) authMethods(in *Input) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if key := in.ConfigString("privateKey", ""); key != "" {
		var signer ssh.Signer
		var err error
		if passphrase := in.ConfigString("privateKeyPassphrase", ""); passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid SSH private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if password := in.ConfigString("password", ""); password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh check requires a password or privateKey")
	}
	return methods, nil
}
