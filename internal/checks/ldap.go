package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ldapExecutor checks an LDAP directory by connecting and binding. Without
// credentials an anonymous bind is attempted; with bindDn/bindPassword a
// simple bind must succeed.
//
// Config keys: bindDn, bindPassword, tls, tlsSkipVerify, baseDn (when set, a
// base-scope search for the root entry is performed after binding).
type ldapExecutor struct{}

// NewLDAPExecutor returns the LDAP executor.
func NewLDAPExecutor() Executor { return &ldapExecutor{} }

func (ldapExecutor) Type() string { return TypeLDAP }

func (e *ldapExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	target := strings.TrimSpace(in.URL)
	if target == "" {
		return Errored(CodeInvalidConfig, "ldap check requires a target URL"), nil
	}
	if !strings.Contains(target, "://") {
		scheme := "ldap"
		if in.ConfigBool("tls", false) {
			scheme = "ldaps"
		}
		target = scheme + "://" + target
	}

	host, err := targetHost(target)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: in.Timeout()}),
	}
	if strings.HasPrefix(target, "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			ServerName:         host,
			InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false),
		}))
	}

	start := time.Now()
	conn, err := ldap.DialURL(target, opts...)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()
	conn.SetTimeout(in.Timeout())

	bindDn := in.ConfigString("bindDn", "")
	if bindDn != "" {
		err = conn.Bind(bindDn, in.ConfigString("bindPassword", ""))
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		elapsed := time.Since(start)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			out := Failure(CodeAuthFailed, fmt.Sprintf("LDAP bind rejected: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}

	if baseDn := in.ConfigString("baseDn", ""); baseDn != "" {
		req := ldap.NewSearchRequest(
			baseDn,
			ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
			"(objectClass=*)", []string{"dn"}, nil,
		)
		if _, err := conn.Search(req); err != nil {
			elapsed := time.Since(start)
			out := Failure(CodeUnhealthy, fmt.Sprintf("LDAP search failed: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
	}

	return Success(time.Since(start)), nil
}
