package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"analyze", "import", "results", "migrate", "dlq"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "lmm-analyzer", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestAnalyzeCommand_Flags(t *testing.T) {
	for _, name := range []string{"ids", "from", "to", "search", "entity-id", "tonality", "limit", "mode", "retry-failed"} {
		assert.NotNil(t, analyzeCmd.Flags().Lookup(name), "analyze should have --%s flag", name)
	}
}

func TestImportCommand_RequiresFile(t *testing.T) {
	flag := importCmd.Flags().Lookup("file")
	require.NotNil(t, flag)
	assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
}

func TestResultsCommand_Flags(t *testing.T) {
	flag := resultsCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
	assert.Equal(t, "table", resultsCmd.Flags().Lookup("format").DefValue)
}
