package harness

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGoldenScenarios runs every YAML scenario under testdata/scenarios
// and compares its trace against the checked-in golden.
func TestGoldenScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths, "no scenario files found")

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			result := RunWithGolden(t, scenario)
			assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
		})
	}
}

func TestTraceSnapshot_StableMarshal(t *testing.T) {
	snapshot := TraceSnapshot{
		ScenarioName: "stable",
		Trace: []TraceEvent{
			{Seq: 1, Type: TraceSignal, Signal: "SYNC_FAILED", Abandoned: map[string]int{"swipe": 1, "message": 2}},
		},
	}

	first, err := json.MarshalIndent(snapshot, "", "  ")
	require.NoError(t, err)
	second, err := json.MarshalIndent(snapshot, "", "  ")
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	// Map keys marshal sorted, so the multi-kind breakdown is stable.
	assert.Contains(t, string(first), "\"message\": 2,\n        \"swipe\": 1")
}
