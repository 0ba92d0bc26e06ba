package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusSource struct {
	members []MemberStatus
}

func (f *fakeStatusSource) MemberStatuses(ctx context.Context, monitorID string) ([]MemberStatus, error) {
	return f.members, nil
}

func members(statuses ...string) []MemberStatus {
	out := make([]MemberStatus, len(statuses))
	for i, s := range statuses {
		out[i] = MemberStatus{MonitorID: "m", Name: "member", Status: s}
	}
	return out
}

func runAggregate(t *testing.T, ms []MemberStatus, config map[string]any) *Outcome {
	t.Helper()
	e := NewAggregateExecutor(&fakeStatusSource{members: ms})
	out, err := e.Check(context.Background(), &Input{Type: TypeAggregate, MonitorID: "agg-1", Config: config})
	require.NoError(t, err)
	return out
}

func TestAggregateAbsoluteMode(t *testing.T) {
	t.Parallel()

	out := runAggregate(t, members("active", "active", "active"), nil)
	assert.Equal(t, StatusSuccess, out.Status)

	out = runAggregate(t, members("active", "down", "active"), nil)
	assert.Equal(t, StatusFailure, out.Status, "one down member trips the default threshold")

	out = runAggregate(t, members("active", "degraded", "active"), nil)
	assert.Equal(t, StatusDegraded, out.Status)

	// Raised thresholds tolerate a single unhealthy member.
	config := map[string]any{"downThreshold": float64(2), "degradedThreshold": float64(2)}
	out = runAggregate(t, members("active", "down", "active"), config)
	assert.Equal(t, StatusSuccess, out.Status)
	out = runAggregate(t, members("down", "down", "active"), config)
	assert.Equal(t, StatusFailure, out.Status)
}

func TestAggregatePercentageMode(t *testing.T) {
	t.Parallel()

	config := map[string]any{
		"mode":                     "percentage",
		"downThresholdPercent":     float64(50),
		"degradedThresholdPercent": float64(25),
	}

	out := runAggregate(t, members("active", "active", "active", "active"), config)
	assert.Equal(t, StatusSuccess, out.Status)

	out = runAggregate(t, members("down", "active", "active", "active"), config)
	assert.Equal(t, StatusDegraded, out.Status, "25% unhealthy meets the degraded threshold")

	out = runAggregate(t, members("down", "down", "active", "active"), config)
	assert.Equal(t, StatusFailure, out.Status, "50% down meets the down threshold")
}

func TestAggregateCountDegradedAsDown(t *testing.T) {
	t.Parallel()

	out := runAggregate(t, members("degraded", "active"), map[string]any{"countDegradedAsDown": true})
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, 1, out.Payload["downCount"])
}

func TestAggregateExcludesPausedAndPending(t *testing.T) {
	t.Parallel()

	out := runAggregate(t, members("paused", "pending", "active"), nil)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Payload["memberCount"])

	// A paused down member must not count either.
	out = runAggregate(t, members("paused", "active", "active"), nil)
	assert.Equal(t, StatusSuccess, out.Status)
}

func TestAggregateEmptyPool(t *testing.T) {
	t.Parallel()

	out := runAggregate(t, nil, nil)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, CodeNoData, out.ErrorCode)

	out = runAggregate(t, members("paused"), nil)
	assert.Equal(t, StatusError, out.Status, "an all-paused pool has nothing to aggregate")
}

func TestAggregateDownMembersNamed(t *testing.T) {
	t.Parallel()

	ms := []MemberStatus{
		{MonitorID: "m1", Name: "api", Status: "down"},
		{MonitorID: "m2", Name: "web", Status: "active"},
	}
	out := runAggregate(t, ms, nil)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, []string{"api"}, out.Payload["downMembers"])
}
