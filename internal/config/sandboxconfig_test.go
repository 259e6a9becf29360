package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "_comment": "broker environments",
  "production": {
    "instance_id": "i-0abc123",
    "region": "us-east-1",
    "aws_profile": "prod",
    "base_sandbox_dir": "/opt/sandbox",
    "max_execution_time": 300,
    "max_memory_mb": 1024,
    "cleanup_after_hours": 24,
    "allowed_runtimes": ["python3", "node", "bash"]
  },
  "keys": {
    "instance_id": "i-0def456",
    "region": "eu-west-1",
    "access_key_id": "AKIAEXAMPLE",
    "secret_access_key": "secretsecret",
    "session_token": "tokentoken",
    "base_sandbox_dir": "/opt/sandbox",
    "max_execution_time": 60,
    "max_memory_mb": 512,
    "cleanup_after_hours": 12,
    "allowed_runtimes": ["python3"]
  },
  "broken": {
    "region": "us-east-1",
    "max_execution_time": 10,
    "max_memory_mb": 64,
    "cleanup_after_hours": 24,
    "allowed_runtimes": ["python3", "ruby"]
  },
  "mcp_settings": {
    "some_provider": {"endpoint": "https://example.invalid"}
  }
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandbox_config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestListEnvironmentsSkipsComments(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	envs := m.ListEnvironments()
	sort.Strings(envs)
	assert.Equal(t, []string{"broken", "keys", "production"}, envs,
		"comment keys and mcp_settings are not environments")
}

func TestMCPSettingsRoundTrip(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	settings := m.MCPSettings()
	require.NotNil(t, settings)
	assert.Contains(t, settings, "some_provider")
}

func TestGetConfig_ValidProfile(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	cfg, err := m.GetConfig("production")
	require.NoError(t, err)
	assert.Equal(t, "i-0abc123", cfg.InstanceID)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "/opt/sandbox", cfg.BaseDir)
	assert.Equal(t, 300, cfg.MaxExecTimeSec)
	assert.Equal(t, 1024, cfg.MaxMemoryMB)
	assert.Equal(t, 24, cfg.RetentionHours)
	assert.Equal(t, []string{"python3", "node", "bash"}, cfg.AllowedRuntimes)
	assert.True(t, cfg.Creds.HasProfile())
}

func TestGetConfig_UnknownProfile(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	_, err = m.GetConfig("staging")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging")
}

func TestGetConfig_AccumulatesAllProblems(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	_, err = m.GetConfig("broken")
	require.Error(t, err)

	verr, ok := err.(*ConfigValidationError)
	require.True(t, ok, "expected a ConfigValidationError, got %T", err)

	// The broken profile has five independent problems: missing
	// instance_id, no auth method, two out-of-range integers, and an
	// invalid runtime. All must be reported at once.
	joined := strings.Join(verr.Problems, "\n")
	assert.Contains(t, joined, "instance_id")
	assert.Contains(t, joined, "aws_profile")
	assert.Contains(t, joined, "max_execution_time")
	assert.Contains(t, joined, "max_memory_mb")
	assert.Contains(t, joined, "ruby")
	assert.GreaterOrEqual(t, len(verr.Problems), 4)
}

func TestEnvOverrides(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	t.Setenv("EC2_INSTANCE_ID", "i-override")
	t.Setenv("SANDBOX_BASE_DIR", "/srv/jail")
	t.Setenv("MAX_EXECUTION_TIME", "120")

	cfg, err := m.GetConfig("production")
	require.NoError(t, err)
	assert.Equal(t, "i-override", cfg.InstanceID)
	assert.Equal(t, "/srv/jail", cfg.BaseDir)
	assert.Equal(t, 120, cfg.MaxExecTimeSec)
}

func TestEnvOverrides_BadIntegerIgnored(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	t.Setenv("MAX_MEMORY_MB", "not-a-number")

	cfg, err := m.GetConfig("production")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.MaxMemoryMB, "unparseable override keeps the file value")
}

func TestAuthMethod(t *testing.T) {
	m, err := LoadSandboxConfigManager(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "profile", m.AuthMethod("production"))
	assert.Equal(t, "temporary_credentials", m.AuthMethod("keys"))
	assert.Equal(t, "unknown", m.AuthMethod("broken"))
	assert.Equal(t, "unknown", m.AuthMethod("missing"))
}

func TestLoad_MissingOrInvalidFile(t *testing.T) {
	_, err := LoadSandboxConfigManager(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)

	_, err = LoadSandboxConfigManager(writeConfig(t, "{not json"))
	require.Error(t, err)
}
