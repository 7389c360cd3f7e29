package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPopulatesDefaults(t *testing.T) {
	cfg := New()
	require.Equal(t, "http://127.0.0.1:8001", cfg.Host.BaseURL)
	require.Equal(t, 100, cfg.Host.PollIntervalMS)
	require.EqualValues(t, 50*1024*1024, cfg.Host.MaxResponseBytes)
	require.Equal(t, "email-smtp.us-east-1.amazonaws.com", cfg.Mail.SMTPHost)
	require.Equal(t, 587, cfg.Mail.SMTPPort)
	require.Equal(t, 5, cfg.Twilio.RequestTimeoutS)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
host:
  base_url: "http://127.0.0.1:9001"
  poll_interval_ms: 250
aws:
  access_key_id: "AKIA_TEST"
enclave:
  downward_comp_version:
    - pcr0: "aa"
      pcr1: "bb"
      pcr2: "cc"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9001", cfg.Host.BaseURL)
	require.Equal(t, 250, cfg.Host.PollIntervalMS)
	// Unset YAML fields keep their New() defaults.
	require.Equal(t, 10000, cfg.Host.RequestTimeoutMS)
	require.Equal(t, "AKIA_TEST", cfg.AWS.AccessKeyID)
	require.Len(t, cfg.Enclave.DowngradeCompatVersions, 1)
	require.Equal(t, "aa", cfg.Enclave.DowngradeCompatVersions[0].PCR0)
}

func TestLoadFileMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, New(), cfg)
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: [this is not a mapping"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileNormalizesBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  base_url: \"http://127.0.0.1:9001/\"\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9001", cfg.Host.BaseURL)
}

func TestLoadFileRejectsMalformedBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  base_url: \"127.0.0.1:9001\"\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadHonorsConfigFileEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  base_url: \"http://from-env-path:1\"\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://from-env-path:1", cfg.Host.BaseURL)
}

func TestLoadEnvVarsOverrideYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  base_url: \"http://from-yaml:1\"\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HOST_BASE_URL", "http://from-env:2")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://from-env:2", cfg.Host.BaseURL)
}
