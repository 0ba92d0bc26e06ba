package checks

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// elasticsearchExecutor checks an Elasticsearch or OpenSearch cluster
// through its health API. Cluster status green maps to success, yellow to
// degraded, red to failure.
//
// Config keys: username, password, tlsSkipVerify, requireGreen (treat
// yellow as failure).
type elasticsearchExecutor struct{}

// NewElasticsearchExecutor returns the Elasticsearch executor.
func NewElasticsearchExecutor() Executor { return &elasticsearchExecutor{} }

func (elasticsearchExecutor) Type() string { return TypeElasticsearch }

type clusterHealth struct {
	ClusterName         string `json:"cluster_name"`
	Status              string `json:"status"`
	NumberOfNodes       int    `json:"number_of_nodes"`
	ActiveShards        int    `json:"active_shards"`
	UnassignedShards    int    `json:"unassigned_shards"`
	RelocatingShards    int    `json:"relocating_shards"`
	InitializingShards  int    `json:"initializing_shards"`
	DelayedUnassigned   int    `json:"delayed_unassigned_shards"`
	NumberOfDataNodes   int    `json:"number_of_data_nodes"`
	ActivePrimaryShards int    `json:"active_primary_shards"`
}

func (e *elasticsearchExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	base := strings.TrimSpace(in.URL)
	if base == "" {
		return Errored(CodeInvalidConfig, "elasticsearch check requires a base URL"), nil
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	endpoint := strings.TrimRight(base, "/") + "/_cluster/health"

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

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		out := Failure(CodeAuthFailed, fmt.Sprintf("cluster health returned HTTP %d", resp.StatusCode))
		out.StatusCode = &resp.StatusCode
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}
	if resp.StatusCode != http.StatusOK {
		out := Failure(CodeUnhealthy, fmt.Sprintf("cluster health returned HTTP %d", resp.StatusCode))
		out.StatusCode = &resp.StatusCode
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	var health clusterHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		out := Failure(CodeUnhealthy, fmt.Sprintf("invalid cluster health body: %v", err))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	out := Success(elapsed)
	out.StatusCode = &resp.StatusCode
	out.SetPayload("clusterName", health.ClusterName)
	out.SetPayload("clusterStatus", health.Status)
	out.SetPayload("numberOfNodes", health.NumberOfNodes)
	out.SetPayload("activeShards", health.ActiveShards)
	out.SetPayload("unassignedShards", health.UnassignedShards)

	switch strings.ToLower(health.Status) {
	case "green":
	case "yellow":
		out.ErrorCode = CodeUnhealthy
		out.ErrorMessage = fmt.Sprintf("cluster %q is yellow (%d unassigned shards)", health.ClusterName, health.UnassignedShards)
		if in.ConfigBool("requireGreen", false) {
			out.Status = StatusFailure
		} else {
			out.Status = StatusDegraded
		}
	case "red":
		out.Status = StatusFailure
		out.ErrorCode = CodeUnhealthy
		out.ErrorMessage = fmt.Sprintf("cluster %q is red", health.ClusterName)
	default:
		out.Status = StatusFailure
		out.ErrorCode = CodeUnhealthy
		out.ErrorMessage = fmt.Sprintf("unknown cluster status %q", health.Status)
	}
	return out, nil
}
