package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// dnsExecutor resolves a record for the monitor's hostname and optionally
// matches expected values against the answers.
//
// Config keys: recordType (default "A"), resolver ("host[:port]", default
// taken from /etc/resolv.conf), expectedValues (each listed value must
// appear among the answers).
type dnsExecutor struct{}

// NewDNSExecutor returns the DNS executor.
func NewDNSExecutor() Executor { return &dnsExecutor{} }

func (dnsExecutor) Type() string { return TypeDNS }

func (e *dnsExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	host, err := targetHost(in.URL)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	rtypeName := strings.ToUpper(in.ConfigString("recordType", "A"))
	qtype, ok := dns.StringToType[rtypeName]
	if !ok {
		return Errored(CodeInvalidConfig, fmt.Sprintf("unknown record type %q", rtypeName)), nil
	}

	server := resolverAddr(in.ConfigString("resolver", ""))

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: in.Timeout()}
	resp, rtt, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return FromError(err, rtt), nil
	}

	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(rtt),
	}
	out.SetPayload("resolver", server)
	out.SetPayload("recordType", rtypeName)

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		out.Status = StatusFailure
		out.ErrorCode = CodeHostNotFound
		out.ErrorMessage = fmt.Sprintf("NXDOMAIN for %s", host)
		return out, nil
	default:
		out.Status = StatusFailure
		out.ErrorCode = CodeDNSError
		out.ErrorMessage = fmt.Sprintf("resolver answered %s", dns.RcodeToString[resp.Rcode])
		return out, nil
	}

	answers := answerStrings(resp.Answer)
	out.SetPayload("records", answers)

	if len(answers) == 0 {
		out.Status = StatusFailure
		out.ErrorCode = CodeNoData
		out.ErrorMessage = fmt.Sprintf("no %s records for %s", rtypeName, host)
		return out, nil
	}

	for _, want := range in.ConfigStrings("expectedValues") {
		if !containsAnswer(answers, want) {
			out.Status = StatusFailure
			out.ErrorCode = CodePatternMismatch
			out.ErrorMessage = fmt.Sprintf("expected value %q not found in %s answers", want, rtypeName)
			return out, nil
		}
	}

	return out, nil
}

// answerStrings flattens resource records into comparable strings.
func answerStrings(rrs []dns.RR) []string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.CNAME:
			out = append(out, v.Target)
		case *dns.NS:
			out = append(out, v.Ns)
		case *dns.MX:
			out = append(out, v.Mx)
		case *dns.PTR:
			out = append(out, v.Ptr)
		case *dns.TXT:
			out = append(out, strings.Join(v.Txt, ""))
		case *dns.SRV:
			out = append(out, fmt.Sprintf("%s:%d", v.Target, v.Port))
		case *dns.CAA:
			out = append(out, fmt.Sprintf("%s %s", v.Tag, v.Value))
		default:
			out = append(out, rr.String())
		}
	}
	return out
}

// containsAnswer matches case-insensitively and ignores the trailing dot of
// canonical DNS names.
func containsAnswer(answers []string, want string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
	}
	target := norm(want)
	for _, a := range answers {
		if norm(a) == target {
			return true
		}
	}
	return false
}

// resolverAddr normalises a configured resolver, falling back to the
// system's first nameserver and then to a public resolver.
func resolverAddr(configured string) string {
	if configured != "" {
		if _, _, err := splitTarget(configured); err == nil && strings.Contains(configured, ":") && !strings.Contains(configured, "://") {
			return configured
		}
		return configured + ":53"
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		return cfg.Servers[0] + ":" + cfg.Port
	}
	return "1.1.1.1:53"
}

// queryTXT fetches TXT records for name, joining multi-part strings.
// Shared by the email-auth executor.
func queryTXT(ctx context.Context, name, server string, timeout time.Duration) ([]string, int, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, resp.Rcode, nil
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, dns.RcodeSuccess, nil
}

// queryCAA fetches CAA records for name, walking up the label tree until a
// record set is found, per the CAA resolution algorithm. Shared by the SSL
// executor's CAA policy step.
func queryCAA(ctx context.Context, name, server string, timeout time.Duration) ([]*dns.CAA, error) {
	client := &dns.Client{Timeout: timeout}

	labels := dns.SplitDomainName(name)
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")

		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(candidate), dns.TypeCAA)
		msg.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}

		var records []*dns.CAA
		for _, rr := range resp.Answer {
			if caa, ok := rr.(*dns.CAA); ok {
				records = append(records, caa)
			}
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, nil
}
