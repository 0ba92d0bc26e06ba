package checks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

// maxChainDepth bounds the issuer walk; a presented chain deeper than this
// is treated as incomplete rather than walked forever.
const maxChainDepth = 10

// sslExecutor inspects a target's TLS certificate and applies the
// certificate policy. The handshake itself never rejects (verification is
// done manually afterwards) so expired or mistrusted certificates can still
// be inspected and reported.
//
// Policy steps run in a fixed order and the first violation decides the
// outcome: expired, hostname mismatch, chain invalid, chain incomplete
// (when required), expiry thresholds, minimum TLS version, cipher
// allow/block lists, OCSP stapling requirement, OCSP responder status, CRL
// reachability, CAA validation.
//
// Config keys: port (default 443), expiryErrorDays (default 7),
// expiryWarningDays (default 30), requireFullChain, minTlsVersion
// ("1.0".."1.3"), allowedCiphers, blockedCiphers, requireOcspStaple,
// checkOcsp, checkCrl, caaIssuers, caaStrict, resolver.
type sslExecutor struct{}

// NewSSLExecutor returns the SSL/TLS certificate executor.
func NewSSLExecutor() Executor { return &sslExecutor{} }

func (sslExecutor) Type() string { return TypeSSL }

func (e *sslExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := fmt.Sprintf("%d", in.ConfigInt("port", 443))
	addr, host, err := targetAddr(in.URL, port)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		},
	}

	start := time.Now()
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	conn := rawConn.(*tls.Conn)
	state := conn.ConnectionState()
	elapsed := time.Since(start)
	conn.Close()

	if len(state.PeerCertificates) == 0 {
		return Failure(CodeSSLError, "server presented no certificates"), nil
	}
	leaf := state.PeerCertificates[0]

	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(elapsed),
		TLSHandshakeMs: ptrMs(elapsed),
	}
	out.SetPayload("certificate", certificatePayload(&state))

	chainComplete := presentedChainComplete(state.PeerCertificates)
	out.SetPayload("chainComplete", chainComplete)

	now := time.Now()
	fail := func(code, msg string) (*Outcome, error) {
		out.Status = StatusFailure
		out.ErrorCode = code
		out.ErrorMessage = msg
		return out, nil
	}
	degrade := func(code, msg string) (*Outcome, error) {
		out.Status = StatusDegraded
		out.ErrorCode = code
		out.ErrorMessage = msg
		return out, nil
	}

	// --- 1. Validity period ---
	if now.After(leaf.NotAfter) {
		return fail(CodeCertExpired, fmt.Sprintf("certificate expired on %s", leaf.NotAfter.UTC().Format(time.RFC3339)))
	}
	if now.Before(leaf.NotBefore) {
		return fail(CodeCertExpired, fmt.Sprintf("certificate not valid until %s", leaf.NotBefore.UTC().Format(time.RFC3339)))
	}

	// --- 2. Hostname ---
	if err := leaf.VerifyHostname(host); err != nil {
		return fail(CodeCertHostMismatch, err.Error())
	}

	// --- 3. Chain trust ---
	if err := verifyChain(leaf, state.PeerCertificates[1:]); err != nil {
		return fail(CodeCertChainInvalid, err.Error())
	}

	// --- 4. Chain completeness ---
	if in.ConfigBool("requireFullChain", false) && !chainComplete {
		return fail(CodeCertChainIncomplete, "server did not present a complete certificate chain")
	}

	// --- 5. Expiry thresholds ---
	days := int(leaf.NotAfter.Sub(now).Hours() / 24)
	errorDays := in.ConfigInt("expiryErrorDays", 7)
	warningDays := in.ConfigInt("expiryWarningDays", 30)
	if days <= errorDays {
		return fail(CodeCertExpiringCrit, fmt.Sprintf("certificate expires in %d days", days))
	}
	if days <= warningDays {
		// Soft violation: the certificate still works today.
		out.Status = StatusDegraded
		out.ErrorCode = CodeCertExpiringWarn
		out.ErrorMessage = fmt.Sprintf("certificate expires in %d days", days)
	}

	// --- 6. Minimum TLS version ---
	if minName := in.ConfigString("minTlsVersion", ""); minName != "" {
		minVersion, ok := tlsVersionFromName(minName)
		if !ok {
			return Errored(CodeInvalidConfig, fmt.Sprintf("unknown minTlsVersion %q", minName)), nil
		}
		if state.Version < minVersion {
			return fail(CodeTLSVersionTooLow, fmt.Sprintf("negotiated %s, minimum is TLS %s", tls.VersionName(state.Version), minName))
		}
	}

	// --- 7. Cipher policy ---
	cipherName := tls.CipherSuiteName(state.CipherSuite)
	for _, blocked := range in.ConfigStrings("blockedCiphers") {
		if strings.EqualFold(blocked, cipherName) {
			return fail(CodeCipherBlocked, fmt.Sprintf("negotiated blocked cipher %s", cipherName))
		}
	}
	if allowed := in.ConfigStrings("allowedCiphers"); len(allowed) > 0 {
		ok := false
		for _, a := range allowed {
			if strings.EqualFold(a, cipherName) {
				ok = true
				break
			}
		}
		if !ok {
			return fail(CodeCipherBlocked, fmt.Sprintf("negotiated cipher %s not in allow list", cipherName))
		}
	}

	// --- 8. OCSP stapling requirement ---
	if in.ConfigBool("requireOcspStaple", false) && len(state.OCSPResponse) == 0 {
		return fail(CodeOCSPStapleMissing, "server did not staple an OCSP response")
	}

	// --- 9. OCSP responder ---
	if in.ConfigBool("checkOcsp", false) && len(leaf.OCSPServer) > 0 {
		issuer := findIssuer(leaf, state.PeerCertificates[1:])
		if issuer != nil {
			status, err := queryOCSP(ctx, leaf, issuer)
			switch {
			case err != nil:
				if out.Status == StatusSuccess {
					return degrade(CodeOCSPUnreachable, fmt.Sprintf("OCSP responder unreachable: %v", err))
				}
			case status == ocsp.Revoked:
				return fail(CodeOCSPRevoked, "certificate is revoked per OCSP responder")
			}
		}
	}

	// --- 10. CRL reachability ---
	if in.ConfigBool("checkCrl", false) {
		for _, crlURL := range leaf.CRLDistributionPoints {
			if err := headURL(ctx, crlURL); err != nil {
				if out.Status == StatusSuccess {
					return degrade(CodeCRLUnreachable, fmt.Sprintf("CRL %s unreachable: %v", crlURL, err))
				}
				break
			}
		}
	}

	// --- 11. CAA ---
	if allowedIssuers := in.ConfigStrings("caaIssuers"); len(allowedIssuers) > 0 {
		resolver := resolverAddr(in.ConfigString("resolver", ""))
		if msg := validateCAA(ctx, host, resolver, allowedIssuers, in.Timeout()); msg != "" {
			if in.ConfigBool("caaStrict", false) {
				return fail(CodeCAAInvalid, msg)
			}
			if out.Status == StatusSuccess {
				return degrade(CodeCAAInvalid, msg)
			}
		}
	}

	return out, nil
}

// certificatePayload summarises the session's leaf certificate for the
// result payload. Shared with the HTTP executor's HTTPS co-check.
func certificatePayload(state *tls.ConnectionState) map[string]any {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	leaf := state.PeerCertificates[0]
	fp := sha256.Sum256(leaf.Raw)

	m := map[string]any{
		"subject":           leaf.Subject.String(),
		"commonName":        leaf.Subject.CommonName,
		"issuer":            leaf.Issuer.String(),
		"sans":              leaf.DNSNames,
		"validFrom":         leaf.NotBefore.UTC().Format(time.RFC3339),
		"validTo":           leaf.NotAfter.UTC().Format(time.RFC3339),
		"daysUntilExpiry":   int(time.Until(leaf.NotAfter).Hours() / 24),
		"serialNumber":      leaf.SerialNumber.String(),
		"fingerprintSha256": hex.EncodeToString(fp[:]),
		"protocol":          tls.VersionName(state.Version),
		"cipher":            tls.CipherSuiteName(state.CipherSuite),
		"chainLength":       len(state.PeerCertificates),
		"stapledOcsp":       len(state.OCSPResponse) > 0,
	}
	if len(leaf.OCSPServer) > 0 {
		m["ocspUrl"] = leaf.OCSPServer[0]
	}
	if len(leaf.CRLDistributionPoints) > 0 {
		m["crlUrls"] = leaf.CRLDistributionPoints
	}
	return m
}

// verifyChain validates the leaf against the system trust store using the
// presented intermediates.
func verifyChain(leaf *x509.Certificate, rest []*x509.Certificate) error {
	intermediates := x509.NewCertPool()
	for _, c := range rest {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{Intermediates: intermediates})
	return err
}

// presentedChainComplete walks issuer links within the presented chain with
// a cycle guard. The chain counts as complete when the walk ends at a
// self-signed certificate (the trust anchor may legitimately be omitted, so
// ending at a cert whose issuer the system trusts also counts).
func presentedChainComplete(chain []*x509.Certificate) bool {
	if len(chain) == 0 {
		return false
	}

	current := chain[0]
	seen := map[string]bool{fingerprint(current): true}

	for depth := 0; depth < maxChainDepth; depth++ {
		if isSelfSigned(current) {
			return true
		}
		issuer := findIssuer(current, chain)
		if issuer == nil {
			// No presented issuer: complete only if the system store can
			// finish the chain from here.
			_, err := current.Verify(x509.VerifyOptions{})
			return err == nil
		}
		fp := fingerprint(issuer)
		if seen[fp] {
			return false
		}
		seen[fp] = true
		current = issuer
	}
	return false
}

func fingerprint(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return hex.EncodeToString(sum[:])
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawSubject, c.RawIssuer) {
		return false
	}
	return c.CheckSignatureFrom(c) == nil
}

// findIssuer locates cert's issuer among the candidates by subject match
// and signature verification.
func findIssuer(cert *x509.Certificate, candidates []*x509.Certificate) *x509.Certificate {
	for _, cand := range candidates {
		if cand == cert {
			continue
		}
		if !bytes.Equal(cert.RawIssuer, cand.RawSubject) {
			continue
		}
		if err := cert.CheckSignatureFrom(cand); err == nil {
			return cand
		}
	}
	return nil
}

func tlsVersionFromName(name string) (uint16, bool) {
	switch strings.TrimPrefix(name, "TLS ") {
	case "1.0":
		return tls.VersionTLS10, true
	case "1.1":
		return tls.VersionTLS11, true
	case "1.2":
		return tls.VersionTLS12, true
	case "1.3":
		return tls.VersionTLS13, true
	}
	return 0, false
}

// queryOCSP asks the leaf's first OCSP responder for its revocation status.
func queryOCSP(ctx context.Context, leaf, issuer *x509.Certificate) (int, error) {
	reqDER, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return 0, fmt.Errorf("building OCSP request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, leaf.OCSPServer[0], bytes.NewReader(reqDER))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, err
	}

	parsed, err := ocsp.ParseResponseForCert(body, leaf, issuer)
	if err != nil {
		return 0, fmt.Errorf("parsing OCSP response: %w", err)
	}
	return parsed.Status, nil
}

// headURL probes a URL for reachability without downloading it.
func headURL(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("answered %d", resp.StatusCode)
	}
	return nil
}

// validateCAA checks the domain's CAA records against the allowed issuer
// list. Returns an empty string when the policy is satisfied.
func validateCAA(ctx context.Context, host, resolver string, allowedIssuers []string, timeout time.Duration) string {
	records, err := queryCAA(ctx, host, resolver, timeout)
	if err != nil {
		return fmt.Sprintf("CAA lookup failed: %v", err)
	}
	if len(records) == 0 {
		return fmt.Sprintf("no CAA records found for %s while an issuer policy is configured", host)
	}

	for _, rec := range records {
		if rec.Tag != "issue" && rec.Tag != "issuewild" {
			continue
		}
		value := strings.ToLower(strings.TrimSpace(rec.Value))
		// "issue ;" forbids all issuance, which satisfies any allow list.
		if value == ";" {
			continue
		}
		// Strip CAA parameters ("letsencrypt.org; validationmethods=...").
		if idx := strings.Index(value, ";"); idx >= 0 {
			value = strings.TrimSpace(value[:idx])
		}
		allowed := false
		for _, a := range allowedIssuers {
			if strings.EqualFold(strings.TrimSpace(a), value) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("CAA %s record authorises unexpected issuer %q", rec.Tag, value)
		}
	}
	return ""
}

// isTLSError reports whether err is a TLS or certificate-level failure.
// Used by Classify.
func isTLSError(err error) bool {
	var (
		hostErr   x509.HostnameError
		authErr   x509.UnknownAuthorityError
		invErr    x509.CertificateInvalidError
		recordErr tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
	)
	if errors.As(err, &hostErr) || errors.As(err, &authErr) || errors.As(err, &invErr) ||
		errors.As(err, &recordErr) || errors.As(err, &verifyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}
