package checks

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// The mail executors verify that a mail server completes its protocol
// greeting and, when credentials are configured, that authentication
// succeeds. They speak just enough of each protocol for a health check; no
// mail is sent or fetched.

// dialMaybeTLS opens a TCP connection, optionally wrapped in implicit TLS.
// The ctx deadline is applied to the connection for the whole dialogue.
func dialMaybeTLS(ctx context.Context, addr, host string, useTLS, skipVerify bool) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if !useTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: skipVerify})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// -----------------------------------------------------------------------------
// SMTP
// -----------------------------------------------------------------------------

// smtpExecutor checks an SMTP server: banner, EHLO, optional STARTTLS, and
// optional AUTH PLAIN.
//
// Config keys: port (default 25; 465 implies implicit TLS), tls,
// tlsSkipVerify, startTls (default true when the server advertises it),
// username, password.
type smtpExecutor struct{}

// NewSMTPExecutor returns the SMTP executor.
func NewSMTPExecutor() Executor { return &smtpExecutor{} }

func (smtpExecutor) Type() string { return TypeSMTP }

func (e *smtpExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := in.ConfigInt("port", 25)
	addr, host, err := targetAddr(in.URL, strconv.Itoa(port))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	implicitTLS := in.ConfigBool("tls", port == 465)
	skipVerify := in.ConfigBool("tlsSkipVerify", false)

	start := time.Now()
	conn, err := dialMaybeTLS(ctx, addr, host, implicitTLS, skipVerify)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer client.Close()

	if err := client.Hello("unistatus.invalid"); err != nil {
		return FromError(err, time.Since(start)), nil
	}

	if !implicitTLS && in.ConfigBool("startTls", true) {
		if ok, _ := client.Extension("STARTTLS"); ok {
			err := client.StartTLS(&tls.Config{ServerName: host, InsecureSkipVerify: skipVerify})
			if err != nil {
				out := Failure(CodeSSLError, fmt.Sprintf("STARTTLS failed: %v", err))
				out.ResponseTimeMs = ptrMs(time.Since(start))
				return out, nil
			}
		}
	}

	username := in.ConfigString("username", "")
	if username != "" {
		auth := smtp.PlainAuth("", username, in.ConfigString("password", ""), host)
		if err := client.Auth(auth); err != nil {
			out := Failure(CodeAuthFailed, fmt.Sprintf("SMTP authentication failed: %v", err))
			out.ResponseTimeMs = ptrMs(time.Since(start))
			return out, nil
		}
	}

	client.Quit()
	return Success(time.Since(start)), nil
}

// -----------------------------------------------------------------------------
// IMAP
// -----------------------------------------------------------------------------

// imapExecutor checks an IMAP server: greeting and optional LOGIN.
//
// Config keys: port (default 143; 993 implies implicit TLS), tls,
// tlsSkipVerify, username, password.
type imapExecutor struct{}

// NewIMAPExecutor returns the IMAP executor.
func NewIMAPExecutor() Executor { return &imapExecutor{} }

func (imapExecutor) Type() string { return TypeIMAP }

func (e *imapExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := in.ConfigInt("port", 143)
	addr, host, err := targetAddr(in.URL, strconv.Itoa(port))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	start := time.Now()
	conn, err := dialMaybeTLS(ctx, addr, host, in.ConfigBool("tls", port == 993), in.ConfigBool("tlsSkipVerify", false))
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	if !strings.HasPrefix(greeting, "* OK") {
		out := Failure(CodeUnhealthy, fmt.Sprintf("unexpected IMAP greeting: %s", strings.TrimSpace(greeting)))
		out.ResponseTimeMs = ptrMs(time.Since(start))
		return out, nil
	}

	username := in.ConfigString("username", "")
	if username != "" {
		fmt.Fprintf(conn, "a1 LOGIN %s %s\r\n", imapQuote(username), imapQuote(in.ConfigString("password", "")))
		line, err := readTagged(reader, "a1 ")
		if err != nil {
			return FromError(err, time.Since(start)), nil
		}
		if !strings.HasPrefix(line, "a1 OK") {
			out := Failure(CodeAuthFailed, fmt.Sprintf("IMAP login rejected: %s", strings.TrimSpace(line)))
			out.ResponseTimeMs = ptrMs(time.Since(start))
			return out, nil
		}
		fmt.Fprintf(conn, "a2 LOGOUT\r\n")
	}

	return Success(time.Since(start)), nil
}

// readTagged reads lines until one starts with the given tag, skipping
// untagged "* ..." responses.
func readTagged(reader *bufio.Reader, tag string) (string, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, tag) {
			return line, nil
		}
	}
}

// imapQuote wraps a value as an IMAP quoted string.
func imapQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// -----------------------------------------------------------------------------
// POP3
// -----------------------------------------------------------------------------

// pop3Executor checks a POP3 server: greeting and optional USER/PASS.
//
// Config keys: port (default 110; 995 implies implicit TLS), tls,
// tlsSkipVerify, username, password.
type pop3Executor struct{}

// NewPOP3Executor returns the POP3 executor.
func NewPOP3Executor() Executor { return &pop3Executor{} }

func (pop3Executor) Type() string { return TypePOP3 }

func (e *pop3Executor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := in.ConfigInt("port", 110)
	addr, host, err := targetAddr(in.URL, strconv.Itoa(port))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	start := time.Now()
	conn, err := dialMaybeTLS(ctx, addr, host, in.ConfigBool("tls", port == 995), in.ConfigBool("tlsSkipVerify", false))
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	greeting, err := reader.ReadString('\n')
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	if !strings.HasPrefix(greeting, "+OK") {
		out := Failure(CodeUnhealthy, fmt.Sprintf("unexpected POP3 greeting: %s", strings.TrimSpace(greeting)))
		out.ResponseTimeMs = ptrMs(time.Since(start))
		return out, nil
	}

	username := in.ConfigString("username", "")
	if username != "" {
		for _, cmd := range []string{
			"USER " + username,
			"PASS " + in.ConfigString("password", ""),
		} {
			fmt.Fprintf(conn, "%s\r\n", cmd)
			line, err := reader.ReadString('\n')
			if err != nil {
				return FromError(err, time.Since(start)), nil
			}
			if !strings.HasPrefix(line, "+OK") {
				out := Failure(CodeAuthFailed, fmt.Sprintf("POP3 authentication rejected: %s", strings.TrimSpace(line)))
				out.ResponseTimeMs = ptrMs(time.Since(start))
				return out, nil
			}
		}
		fmt.Fprintf(conn, "QUIT\r\n")
	}

	return Success(time.Since(start)), nil
}
