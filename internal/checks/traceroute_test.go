package checks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTraceroute = `traceroute to example.test (192.0.2.50), 30 hops max, 60 byte packets
 1  10.0.0.1  0.456 ms  0.389 ms  0.377 ms
 2  172.16.4.1  1.234 ms  1.100 ms  1.050 ms
 3  * * *
 4  192.0.2.50  8.412 ms  8.377 ms  8.300 ms
`

func TestParseTraceroute(t *testing.T) {
	t.Parallel()

	destIP, hops := parseTraceroute(sampleTraceroute)
	assert.Equal(t, "192.0.2.50", destIP)
	require.Len(t, hops, 4)

	assert.Equal(t, 1, hops[0].Hop)
	assert.Equal(t, "10.0.0.1", hops[0].Address)
	assert.Equal(t, []float64{0.456, 0.389, 0.377}, hops[0].RTTs)
	assert.False(t, hops[0].Lost)

	assert.Equal(t, 3, hops[2].Hop)
	assert.True(t, hops[2].Lost)
	assert.Empty(t, hops[2].Address)

	last := hops[3]
	assert.Equal(t, destIP, last.Address)
	assert.False(t, last.Lost)
}

func TestParseTracerouteUnreachable(t *testing.T) {
	t.Parallel()

	out := `traceroute to black.hole.test (203.0.113.9), 5 hops max, 60 byte packets
 1  10.0.0.1  0.5 ms  0.4 ms  0.4 ms
 2  * * *
 3  * * *
 4  * * *
 5  * * *
`
	destIP, hops := parseTraceroute(out)
	assert.Equal(t, "203.0.113.9", destIP)
	require.Len(t, hops, 5)
	assert.True(t, hops[len(hops)-1].Lost)
}

func TestParseTraceroutePartialLoss(t *testing.T) {
	t.Parallel()

	// One probe answered, two timed out: the hop still counts as reached.
	out := `traceroute to example.test (192.0.2.50), 30 hops max, 60 byte packets
 1  192.0.2.50  12.1 ms  * *
`
	_, hops := parseTraceroute(out)
	require.Len(t, hops, 1)
	assert.False(t, hops[0].Lost)
	assert.Equal(t, []float64{12.1}, hops[0].RTTs)
}

func TestParseTracerouteGarbage(t *testing.T) {
	t.Parallel()

	destIP, hops := parseTraceroute("traceroute: unknown host nope.test\n")
	assert.Empty(t, destIP)
	assert.Empty(t, hops)
}
