package checks

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// emailAuthExecutor grades a domain's email authentication posture from its
// published SPF, DKIM, and DMARC records. The overall score is out of 100:
// SPF contributes up to 30, DKIM up to 30, DMARC up to 40.
//
// Config keys: resolver, dkimSelectors (default common selector names),
// strict (missing SPF or DMARC fails instead of degrading).
type emailAuthExecutor struct{}

// NewEmailAuthExecutor returns the email authentication executor.
func NewEmailAuthExecutor() Executor { return &emailAuthExecutor{} }

func (emailAuthExecutor) Type() string { return TypeEmailAuth }

var defaultDKIMSelectors = []string{"default", "google", "selector1", "selector2", "k1", "mail", "dkim"}

func (e *emailAuthExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	domain, err := targetHost(in.URL)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}
	server := resolverAddr(in.ConfigString("resolver", ""))
	timeout := in.Timeout()

	start := time.Now()

	spf, err := e.lookupSPF(ctx, domain, server, timeout)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	dkim := e.lookupDKIM(ctx, domain, server, timeout, in.ConfigStrings("dkimSelectors"))
	dmarc, err := e.lookupDMARC(ctx, domain, server, timeout)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	elapsed := time.Since(start)

	total := spf.Score + dkim.Score + dmarc.Score
	out := Success(elapsed)
	out.SetPayload("spf", spf)
	out.SetPayload("dkim", dkim)
	out.SetPayload("dmarc", dmarc)
	out.SetPayload("totalScore", total)

	strict := in.ConfigBool("strict", false)
	switch {
	case strict && !spf.Present:
		out.Status = StatusFailure
		out.ErrorCode = CodeSPFMissing
		out.ErrorMessage = fmt.Sprintf("domain %s publishes no SPF record", domain)
	case strict && !dmarc.Present:
		out.Status = StatusFailure
		out.ErrorCode = CodeDMARCMissing
		out.ErrorMessage = fmt.Sprintf("domain %s publishes no DMARC record", domain)
	case !spf.Present:
		out.Status = StatusDegraded
		out.ErrorCode = CodeSPFMissing
		out.ErrorMessage = fmt.Sprintf("domain %s publishes no SPF record", domain)
	case !dmarc.Present:
		out.Status = StatusDegraded
		out.ErrorCode = CodeDMARCMissing
		out.ErrorMessage = fmt.Sprintf("domain %s publishes no DMARC record", domain)
	case total < 50:
		out.Status = StatusDegraded
		out.ErrorCode = CodeWeakAuth
		out.ErrorMessage = fmt.Sprintf("email authentication score %d/100 is below 50", total)
	}
	return out, nil
}

// spfResult captures the SPF record and its terminal qualifier.
type spfResult struct {
	Present bool   `json:"present"`
	Record  string `json:"record,omitempty"`
	Policy  string `json:"policy,omitempty"`
	Score   int    `json:"score"`
}

func (e *emailAuthExecutor) lookupSPF(ctx context.Context, domain, server string, timeout time.Duration) (spfResult, error) {
	records, rcode, err := queryTXT(ctx, domain, server, timeout)
	if err != nil {
		return spfResult{}, err
	}
	if rcode != dns.RcodeSuccess && rcode != dns.RcodeNameError {
		return spfResult{}, fmt.Errorf("SPF lookup returned %s", dns.RcodeToString[rcode])
	}

	for _, record := range records {
		if !strings.HasPrefix(strings.ToLower(record), "v=spf1") {
			continue
		}
		result := spfResult{Present: true, Record: record}
		result.Policy, result.Score = scoreSPF(record)
		return result, nil
	}
	return spfResult{}, nil
}

// scoreSPF grades by the "all" qualifier. Hard fail earns full marks, the
// permissive +all earns almost none.
func scoreSPF(record string) (policy string, score int) {
	lower := strings.ToLower(record)
	switch {
	case strings.Contains(lower, "-all"):
		return "fail", 30
	case strings.Contains(lower, "~all"):
		return "softfail", 20
	case strings.Contains(lower, "?all"):
		return "neutral", 10
	case strings.Contains(lower, "+all"):
		return "pass", 5
	default:
		return "none", 10
	}
}

// dkimResult lists the selectors that published a usable key.
type dkimResult struct {
	Present   bool     `json:"present"`
	Selectors []string `json:"selectors,omitempty"`
	KeyType   string   `json:"keyType,omitempty"`
	KeyBits   int      `json:"keyBits,omitempty"`
	Score     int      `json:"score"`
}

// lookupDKIM probes a selector list rather than a single record; DKIM has no
// well-known location, so absence of all probed selectors scores zero
// without being treated as an error.
func (e *emailAuthExecutor) lookupDKIM(ctx context.Context, domain, server string, timeout time.Duration, selectors []string) dkimResult {
	if len(selectors) == 0 {
		selectors = defaultDKIMSelectors
	}

	result := dkimResult{}
	for _, selector := range selectors {
		name := fmt.Sprintf("%s._domainkey.%s", selector, domain)
		records, rcode, err := queryTXT(ctx, name, server, timeout)
		if err != nil || rcode != dns.RcodeSuccess {
			continue
		}
		for _, record := range records {
			keyType, bits, ok := parseDKIMKey(record)
			if !ok {
				continue
			}
			result.Present = true
			result.Selectors = append(result.Selectors, selector)
			if bits > result.KeyBits {
				result.KeyType = keyType
				result.KeyBits = bits
			}
		}
	}

	switch {
	case !result.Present:
		result.Score = 0
	case result.KeyType == "ed25519":
		result.Score = 30
	case result.KeyBits >= 2048:
		result.Score = 30
	case result.KeyBits >= 1024:
		result.Score = 20
	default:
		result.Score = 10
	}
	return result
}

// parseDKIMKey extracts the key type and strength from a DKIM TXT record.
func parseDKIMKey(record string) (keyType string, bits int, ok bool) {
	if !strings.Contains(record, "p=") {
		return "", 0, false
	}

	keyType = "rsa"
	var pubkey string
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "k="):
			keyType = strings.ToLower(strings.TrimPrefix(part, "k="))
		case strings.HasPrefix(part, "p="):
			pubkey = strings.TrimPrefix(part, "p=")
		}
	}
	if pubkey == "" {
		// p= with an empty value is a revoked key.
		return "", 0, false
	}
	if keyType == "ed25519" {
		return keyType, 256, true
	}

	der, err := base64.StdEncoding.DecodeString(pubkey)
	if err != nil {
		return "", 0, false
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", 0, false
	}
	if rsaKey, isRSA := parsed.(*rsa.PublicKey); isRSA {
		return "rsa", rsaKey.N.BitLen(), true
	}
	return keyType, 0, true
}

// dmarcResult captures the DMARC policy at _dmarc.<domain>.
type dmarcResult struct {
	Present bool   `json:"present"`
	Record  string `json:"record,omitempty"`
	Policy  string `json:"policy,omitempty"`
	Score   int    `json:"score"`
}

func (e *emailAuthExecutor) lookupDMARC(ctx context.Context, domain, server string, timeout time.Duration) (dmarcResult, error) {
	records, rcode, err := queryTXT(ctx, "_dmarc."+domain, server, timeout)
	if err != nil {
		return dmarcResult{}, err
	}
	if rcode != dns.RcodeSuccess && rcode != dns.RcodeNameError {
		return dmarcResult{}, fmt.Errorf("DMARC lookup returned %s", dns.RcodeToString[rcode])
	}

	for _, record := range records {
		if !strings.HasPrefix(strings.ToLower(record), "v=dmarc1") {
			continue
		}
		result := dmarcResult{Present: true, Record: record}
		result.Policy = dmarcPolicy(record)
		switch result.Policy {
		case "reject":
			result.Score = 40
		case "quarantine":
			result.Score = 30
		case "none":
			result.Score = 15
		default:
			result.Score = 10
		}
		return result, nil
	}
	return dmarcResult{}, nil
}

func dmarcPolicy(record string) string {
	for _, part := range strings.Split(record, ";") {
		part = strings.TrimSpace(strings.ToLower(part))
		if strings.HasPrefix(part, "p=") {
			return strings.TrimPrefix(part, "p=")
		}
	}
	return ""
}
