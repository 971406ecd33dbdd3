package segstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsDiskSpaceSufficientGuardsQuarterOfRepoSize(t *testing.T) {
	opts := DefaultGCOptions()

	require.True(t, opts.IsDiskSpaceSufficient(1000, 300))
	require.False(t, opts.IsDiskSpaceSufficient(1000, 250), "exactly 25%% available should not count as sufficient")
	require.False(t, opts.IsDiskSpaceSufficient(1000, 100))
}

func TestGCOptionsValidateRejectsTooFewRetainedGenerations(t *testing.T) {
	opts := DefaultGCOptions()
	opts.RetainedGenerations = 1
	require.Error(t, opts.Validate())

	opts.RetainedGenerations = 2
	require.NoError(t, opts.Validate())
}
