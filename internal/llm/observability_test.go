package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordTokenMetricsAccumulates(t *testing.T) {
	resetTokenMetricsStateForTest()
	recordTokenMetrics("test-model", 10, 5, time.Now())
	recordTokenMetrics("test-model", 3, 2, time.Now())

	totals := TokenTotalsSnapshot()
	require.Len(t, totals, 1)
	require.Equal(t, "test-model", totals[0].Model)
	require.EqualValues(t, 13, totals[0].Prompt)
	require.EqualValues(t, 7, totals[0].Completion)
}

func TestRecordTokenMetricsIgnoresZero(t *testing.T) {
	resetTokenMetricsStateForTest()
	recordTokenMetrics("", 1, 1, time.Now())
	recordTokenMetrics("m", 0, 0, time.Now())
	require.Empty(t, TokenTotalsSnapshot())
}

func resetTokenMetricsStateForTest() {
	totalsMu.Lock()
	defer totalsMu.Unlock()
	modelTotals = map[string]struct{ Prompt, Completion int64 }{}
	modelBuckets = map[string]map[int64]*tokenBucket{}
}
