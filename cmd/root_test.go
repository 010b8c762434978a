package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salttesting/internal/runner"
)

func TestValidateTransport(t *testing.T) {
	defer func() { rootFlags.transport = runner.TransportZeroMQ }()

	for _, transport := range []string{runner.TransportZeroMQ, runner.TransportRaet, runner.TransportTCP} {
		rootFlags.transport = transport
		assert.NoError(t, validateRootFlags(rootCmd, nil), transport)
	}

	rootFlags.transport = "carrier-pigeon"
	err := validateRootFlags(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestCoverageReportsRequireCoverage(t *testing.T) {
	defer func() {
		rootFlags.coverage = false
		rootFlags.coverageXMLOutput = ""
		rootFlags.transport = runner.TransportZeroMQ
	}()
	rootFlags.transport = runner.TransportZeroMQ

	rootFlags.coverageXMLOutput = "coverage.xml"
	err := validateRootFlags(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--coverage")

	rootFlags.coverage = true
	assert.NoError(t, validateRootFlags(rootCmd, nil))
}

func TestConstFilters(t *testing.T) {
	defer func() {
		rootFlags.unitTests = false
		rootFlags.statesTests = false
	}()

	rootFlags.unitTests = true
	rootFlags.statesTests = true
	assert.Equal(t, []string{"unit.", "integration.states."}, constFilters())
}
