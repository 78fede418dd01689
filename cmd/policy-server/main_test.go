package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdDefaultFlags(t *testing.T) {
	cmd := rootCmd()

	addr, err := cmd.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, ":8443", addr)

	policies, err := cmd.Flags().GetString("policies")
	require.NoError(t, err)
	assert.Equal(t, "policies.json", policies)

	workers, err := cmd.Flags().GetInt("workers")
	require.NoError(t, err)
	assert.Equal(t, 0, workers)
}

func TestRootCmdRejectsUnknownLogLevel(t *testing.T) {
	cmd := rootCmd()
	err := cmd.Flags().Set("loglevel", "verbose")
	assert.Error(t, err)
}

func TestRootCmdAcceptsKnownLogLevel(t *testing.T) {
	cmd := rootCmd()
	err := cmd.Flags().Set("loglevel", "debug")
	assert.NoError(t, err)
}
