package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ctExecutor watches a domain's Certificate Transparency log entries via
// crt.sh and raises when certificates appear that the previous check had
// not seen. An unexpected issuer among the new entries is a failure; new
// certificates from expected issuers are degraded (both alerts can be
// toggled off in config). The first check for a monitor establishes the
// baseline silently.
//
// Config keys: expectedIssuers (substring match against the issuer DN,
// case-insensitive), alertOnUnexpectedIssuers (default true),
// alertOnNewCertificates (default true).
type ctExecutor struct {
	baseURL string
	client  *http.Client
}

// NewCTExecutor returns the CT-log executor backed by crt.sh.
func NewCTExecutor() Executor {
	return &ctExecutor{baseURL: "https://crt.sh", client: http.DefaultClient}
}

func (ctExecutor) Type() string { return TypeCT }

// ctEntry mirrors the fields of crt.sh's JSON output that the diff needs.
type ctEntry struct {
	ID         int64  `json:"id"`
	IssuerName string `json:"issuer_name"`
	CommonName string `json:"common_name"`
	NameValue  string `json:"name_value"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
}

func (e *ctExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	domain, err := targetHost(in.URL)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	start := time.Now()
	entries, err := e.fetch(ctx, domain)
	if err != nil {
		return Errored(CodeCTFetchFailed, fmt.Sprintf("crt.sh lookup for %s failed: %v", domain, err)), nil
	}
	elapsed := time.Since(start)

	// Dedupe by log id, newest first.
	byID := make(map[int64]ctEntry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}
	unique := make([]ctEntry, 0, len(byID))
	for _, entry := range byID {
		unique = append(unique, entry)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].ID > unique[j].ID })

	allIDs := make([]int64, len(unique))
	for i, entry := range unique {
		allIDs[i] = entry.ID
	}

	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(elapsed),
	}
	out.SetPayload("ctLogIds", allIDs)
	out.SetPayload("totalCertificates", len(unique))

	// No prior state means this is the baseline check.
	if in.PriorCTLogIDs == nil {
		out.SetPayload("baseline", true)
		return out, nil
	}

	prior := make(map[int64]bool, len(in.PriorCTLogIDs))
	for _, id := range in.PriorCTLogIDs {
		prior[id] = true
	}

	var newEntries []ctEntry
	for _, entry := range unique {
		if !prior[entry.ID] {
			newEntries = append(newEntries, entry)
		}
	}
	if len(newEntries) == 0 {
		return out, nil
	}

	summaries := make([]map[string]any, len(newEntries))
	for i, entry := range newEntries {
		summaries[i] = map[string]any{
			"id":         entry.ID,
			"issuer":     entry.IssuerName,
			"commonName": entry.CommonName,
			"notBefore":  entry.NotBefore,
			"notAfter":   entry.NotAfter,
		}
	}
	out.SetPayload("newCertificates", summaries)

	expected := in.ConfigStrings("expectedIssuers")
	if len(expected) > 0 && in.ConfigBool("alertOnUnexpectedIssuers", true) {
		for _, entry := range newEntries {
			if !issuerExpected(entry.IssuerName, expected) {
				out.Status = StatusFailure
				out.ErrorCode = CodeCTUnexpectedIssuer
				out.ErrorMessage = fmt.Sprintf("new certificate %d issued by unexpected issuer %q", entry.ID, entry.IssuerName)
				return out, nil
			}
		}
	}

	if in.ConfigBool("alertOnNewCertificates", true) {
		out.Status = StatusDegraded
		out.ErrorCode = CodeCTNewCertificate
		out.ErrorMessage = fmt.Sprintf("%d new certificate(s) appeared in CT logs for %s", len(newEntries), domain)
	}
	return out, nil
}

func (e *ctExecutor) fetch(ctx context.Context, domain string) ([]ctEntry, error) {
	endpoint := fmt.Sprintf("%s/?q=%s&output=json", e.baseURL, url.QueryEscape(domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("answered %d", resp.StatusCode)
	}

	var entries []ctEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return entries, nil
}

// issuerExpected matches the issuer DN against the allow list by
// case-insensitive substring, so "Let's Encrypt" matches
// "C=US, O=Let's Encrypt, CN=R11".
func issuerExpected(issuerDN string, expected []string) bool {
	lower := strings.ToLower(issuerDN)
	for _, want := range expected {
		if strings.Contains(lower, strings.ToLower(strings.TrimSpace(want))) {
			return true
		}
	}
	return false
}
