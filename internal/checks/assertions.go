package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// Assertion is one predicate the HTTP response must satisfy. Violating a
// hard assertion makes the check a failure; the degraded threshold is the
// only soft criterion and lives on the monitor, not here.
//
// Supported types:
//   - statusCode: response code must be in Codes (empty Codes falls back to
//     the default 2xx/3xx acceptance)
//   - contains / notContains: substring test against the response body
//   - regex: Value must compile and match the body
//   - responseTime: total latency must be <= MaxMs
type Assertion struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	Codes []int  `json:"codes,omitempty"`
	MaxMs int64  `json:"maxMs,omitempty"`
}

// assertionViolation describes the first failed assertion.
type assertionViolation struct {
	code    string
	message string
}

// evalAssertions checks every assertion against the response and returns
// the first violation, or nil when all pass. A statusCode assertion
// replaces the default success-range rule; without one, any 2xx or 3xx
// code passes.
func evalAssertions(assertions []Assertion, statusCode int, body string, elapsedMs int64) *assertionViolation {
	statusChecked := false

	for _, a := range assertions {
		switch a.Type {
		case "statusCode":
			statusChecked = true
			if len(a.Codes) == 0 {
				break
			}
			ok := false
			for _, c := range a.Codes {
				if statusCode == c {
					ok = true
					break
				}
			}
			if !ok {
				return &assertionViolation{
					code:    CodeStatusCode,
					message: fmt.Sprintf("status code %d not in allowed set %v", statusCode, a.Codes),
				}
			}

		case "contains":
			if !strings.Contains(body, a.Value) {
				return &assertionViolation{
					code:    CodePatternMismatch,
					message: fmt.Sprintf("response body does not contain %q", a.Value),
				}
			}

		case "notContains":
			if strings.Contains(body, a.Value) {
				return &assertionViolation{
					code:    CodePatternMismatch,
					message: fmt.Sprintf("response body contains forbidden %q", a.Value),
				}
			}

		case "regex":
			re, err := regexp.Compile(a.Value)
			if err != nil {
				return &assertionViolation{
					code:    CodeInvalidConfig,
					message: fmt.Sprintf("invalid assertion regex %q: %v", a.Value, err),
				}
			}
			if !re.MatchString(body) {
				return &assertionViolation{
					code:    CodePatternMismatch,
					message: fmt.Sprintf("response body does not match pattern %q", a.Value),
				}
			}

		case "responseTime":
			if a.MaxMs > 0 && elapsedMs > a.MaxMs {
				return &assertionViolation{
					code:    CodeSlowResponse,
					message: fmt.Sprintf("response time %dms exceeded asserted maximum %dms", elapsedMs, a.MaxMs),
				}
			}
		}
	}

	if !statusChecked && (statusCode < 200 || statusCode >= 400) {
		return &assertionViolation{
			code:    CodeStatusCode,
			message: fmt.Sprintf("unexpected status code %d", statusCode),
		}
	}
	return nil
}
