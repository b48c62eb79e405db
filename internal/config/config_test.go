package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Router.MaxActive)
	assert.Equal(t, 30*time.Second, cfg.Router.AckTimeout.D())
	assert.Equal(t, 15*time.Second, cfg.Verification.ConfirmDelay.D())
	assert.Equal(t, 45*time.Second, cfg.Verification.QuietWindow.D())
	assert.Equal(t, 5*time.Minute, cfg.Queue.ProbeInterval.D())
	assert.Equal(t, 15*time.Minute, cfg.Escalation.Cooldown.D())
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
router:
  max_active: 4
workers:
  - id: rev-1
    capabilities: [review, fix]
    max_concurrent: 2
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Router.MaxActive)
	assert.Equal(t, 500, cfg.Router.MaxWaiting)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, []string{"review", "fix"}, cfg.Workers[0].Capabilities)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown capability": "workers:\n  - id: w\n    capabilities: [paint]\n    max_concurrent: 1\n",
		"duplicate worker":   "workers:\n  - id: w\n    capabilities: [fix]\n    max_concurrent: 1\n  - id: w\n    capabilities: [fix]\n    max_concurrent: 1\n",
		"bad duration":       "router:\n  ack_timeout: soon\n",
		"bad transport":      "transport:\n  kind: carrier-pigeon\n",
		"zero capacity":      "workers:\n  - id: w\n    capabilities: [fix]\n    max_concurrent: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "mailbox", cfg.Transport.Kind)

	_, err = Load(dir)
	require.Error(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(out), 0o644))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Router, loaded.Router)
}
