package main

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		" warn ":  log.WarnLevel,
		"ERROR":   log.ErrorLevel,
		"":        log.InfoLevel,
		"verbose": log.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHECKOUT_TEST_DOTENV=from-file\nCHECKOUT_TEST_KEEP=from-file\n"), 0o600))

	t.Setenv("CHECKOUT_TEST_KEEP", "from-env")
	t.Setenv("CHECKOUT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("CHECKOUT_TEST_DOTENV"))

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("CHECKOUT_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("CHECKOUT_TEST_KEEP"))
}
