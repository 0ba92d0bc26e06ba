package checks

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// promQueryExecutor runs an instant PromQL query against a Prometheus
// compatible API and evaluates the first sample against warning and
// critical thresholds.
//
// Config keys: query (required), operator (gt, gte, lt, lte, eq, ne;
// default gt), warningThreshold, criticalThreshold, failOnNoData (default
// true), username, password, tlsSkipVerify.
type promQueryExecutor struct{}

// NewPromQueryExecutor returns the Prometheus query executor.
func NewPromQueryExecutor() Executor { return &promQueryExecutor{} }

func (promQueryExecutor) Type() string { return TypePrometheus }

type promResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  []json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

func (e *promQueryExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	query := strings.TrimSpace(in.ConfigString("query", ""))
	if query == "" {
		return Errored(CodeInvalidConfig, "prometheus check requires a query"), nil
	}

	base := strings.TrimSpace(in.URL)
	if base == "" {
		return Errored(CodeInvalidConfig, "prometheus check requires a base URL"), nil
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	endpoint := strings.TrimRight(base, "/") + "/api/v1/query?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	if username := in.ConfigString("username", ""); username != "" {
		req.SetBasicAuth(username, in.ConfigString("password", ""))
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false)},
			DisableKeepAlives: true,
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		out := Failure(CodeUnhealthy, fmt.Sprintf("query API returned HTTP %d", resp.StatusCode))
		out.StatusCode = &resp.StatusCode
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	var body promResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		out := Failure(CodeUnhealthy, fmt.Sprintf("invalid query response: %v", err))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}
	if body.Status != "success" {
		out := Failure(CodeUnhealthy, fmt.Sprintf("query failed: %s", body.Error))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	if len(body.Data.Result) == 0 {
		if in.ConfigBool("failOnNoData", true) {
			out := Failure(CodeNoData, fmt.Sprintf("query %q returned no samples", query))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		out := Success(elapsed)
		out.SetPayload("sampleCount", 0)
		return out, nil
	}

	value, err := promSampleValue(body.Data.Result[0].Value)
	if err != nil {
		out := Failure(CodeUnhealthy, err.Error())
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	out := Success(elapsed)
	out.StatusCode = &resp.StatusCode
	out.SetPayload("value", value)
	out.SetPayload("sampleCount", len(body.Data.Result))

	operator := in.ConfigString("operator", "gt")
	if critical, ok := in.ConfigNumber("criticalThreshold"); ok && thresholdBreached(value, critical, operator) {
		out.Status = StatusFailure
		out.ErrorCode = CodeThresholdCrit
		out.ErrorMessage = fmt.Sprintf("value %s is %s critical threshold %s",
			formatSample(value), operator, formatSample(critical))
		return out, nil
	}
	if warning, ok := in.ConfigNumber("warningThreshold"); ok && thresholdBreached(value, warning, operator) {
		out.Status = StatusDegraded
		out.ErrorCode = CodeThresholdWarn
		out.ErrorMessage = fmt.Sprintf("value %s is %s warning threshold %s",
			formatSample(value), operator, formatSample(warning))
	}
	return out, nil
}

// promSampleValue extracts the scalar from a [timestamp, "value"] pair.
func promSampleValue(pair []json.RawMessage) (float64, error) {
	if len(pair) != 2 {
		return 0, fmt.Errorf("malformed sample value")
	}
	var raw string
	if err := json.Unmarshal(pair[1], &raw); err != nil {
		return 0, fmt.Errorf("malformed sample value: %w", err)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("non numeric sample value %q", raw)
	}
	return value, nil
}

func thresholdBreached(value, threshold float64, operator string) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	case "ne":
		return value != threshold
	default:
		return value > threshold
	}
}

func formatSample(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
