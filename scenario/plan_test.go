package scenario

import (
	"testing"

	"github.com/reusee/ipcbench"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFor(t *testing.T) {
	const (
		iterations = 100
		readers    = 3
	)
	tests := []struct {
		name      string
		kind      Kind
		fanOut    ipcbench.FanOut
		streaming bool
		want      Plan
	}{
		{"shared storage", Shared, ipcbench.FanOutStorage, false, Plan{Before: 1}},
		{"shared round-robin", Shared, ipcbench.FanOutRoundRobin, true, Plan{Before: 1, After: 299}},
		{"shared broadcast", Shared, ipcbench.FanOutBroadcast, true, Plan{After: 100}},
		{"streaming storage", Streaming, ipcbench.FanOutStorage, false, Plan{After: 100}},
		{"streaming round-robin", Streaming, ipcbench.FanOutRoundRobin, true, Plan{After: 300}},
		{"streaming broadcast", Streaming, ipcbench.FanOutBroadcast, true, Plan{After: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlanFor(tt.kind, tt.fanOut, tt.streaming, iterations, readers))
		})
	}

	assert.Equal(t, Plan{Before: 1}, PlanFor(Shared, ipcbench.FanOutRoundRobin, true, 0, readers))
	assert.Equal(t, Plan{}, PlanFor(Streaming, ipcbench.FanOutRoundRobin, true, 0, readers))
	assert.Equal(t, 300, PlanFor(Shared, ipcbench.FanOutRoundRobin, true, iterations, readers).Total())
}

func TestParseKinds(t *testing.T) {
	kinds, err := ParseKinds("both")
	require.NoError(t, err)
	assert.Equal(t, []Kind{Shared, Streaming}, kinds)

	kinds, err = ParseKinds("streaming, shared,streaming")
	require.NoError(t, err)
	assert.Equal(t, []Kind{Streaming, Shared}, kinds)

	kinds, err = ParseKinds("")
	require.NoError(t, err)
	assert.Len(t, kinds, 2)

	_, err = ParseKinds("bulk")
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	for p := Uninitialized; p <= Settled; p++ {
		assert.NotContains(t, p.String(), "Phase(")
	}
	assert.Equal(t, "Phase(9)", Phase(9).String())
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Backend: "A", Scenario: Shared, Rank: 0, WriteTime: 5},
		{Backend: "A", Scenario: Shared, Rank: 1, ReadTime: 10, ReadCount: 10},
		{Backend: "A", Scenario: Shared, Rank: 2, ReadTime: 30, ReadCount: 10},
		{Backend: "B", Scenario: Streaming, Rank: 1, Err: "boom"},
		{Backend: "B", Scenario: Shared, Rank: 1, ReadCount: 3, FailedReads: 1},
	}
	got := Summarize(results)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Backend)
	assert.Equal(t, Shared, got[1].Scenario, "shared rows stay together")
	assert.Equal(t, Streaming, got[2].Scenario)

	a := got[0]
	assert.EqualValues(t, 5, a.WriteTime)
	assert.EqualValues(t, 2, a.AvgReadTime)
	assert.Equal(t, 20, a.TotalReads)
	assert.Equal(t, 2, a.Readers)
	assert.Equal(t, 1, got[2].Errors)
	assert.Equal(t, 1, got[1].TotalFailed)
}
