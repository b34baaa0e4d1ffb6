package metrics

import (
	"bufio"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/pkg/worldmodel"
)

func TestRecordAppendsOneLinePerEvent(t *testing.T) {
	ledger, err := NewLedger(t.TempDir())
	require.NoError(t, err)

	usage := worldmodel.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}
	require.NoError(t, ledger.Record("W1", "a1", "m1", "anthropic", "claude-sonnet-4-5-20250929", usage))
	require.NoError(t, ledger.Record("W1", "a1", "m2", "anthropic", "claude-sonnet-4-5-20250929", usage))

	f, err := os.Open(ledger.filePath)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestEstimateCostFallsBackForUnknownModel(t *testing.T) {
	known := estimateCost("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000)
	unknown := estimateCost("some-future-model", 1_000_000, 1_000_000)
	assert.Equal(t, known, unknown)
}
