package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/logging"
)

// ConfigValidationError accumulates every problem found in a profile
// rather than stopping at the first, so a misconfigured environment
// is reported in one pass.
type ConfigValidationError struct {
	Environment string
	Problems    []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("configuration %q is invalid:\n  - %s", e.Environment, strings.Join(e.Problems, "\n  - "))
}

// HasErrors reports whether any problems were accumulated.
func (e *ConfigValidationError) HasErrors() bool {
	return len(e.Problems) > 0
}

type rawProfile struct {
	InstanceID        string   `json:"instance_id"`
	Region            string   `json:"region"`
	AWSProfile        string   `json:"aws_profile"`
	AccessKeyID       string   `json:"access_key_id"`
	SecretAccessKey   string   `json:"secret_access_key"`
	SessionToken      string   `json:"session_token"`
	BaseSandboxDir    string   `json:"base_sandbox_dir"`
	MaxExecutionTime  int      `json:"max_execution_time"`
	MaxMemoryMB       int      `json:"max_memory_mb"`
	CleanupAfterHours int      `json:"cleanup_after_hours"`
	AllowedRuntimes   []string `json:"allowed_runtimes"`
}

var validRuntimes = map[string]bool{
	"python3": true, "python": true, "node": true, "bash": true, "sh": true,
}

// SandboxConfigManager loads and validates SandboxConfig profiles from
// a JSON file, applying environment-variable overrides on top of the
// file's values.
type SandboxConfigManager struct {
	profiles map[string]json.RawMessage
}

// LoadSandboxConfigManager reads and parses path. Keys starting with
// "_" are treated as comments and excluded from ListEnvironments.
func LoadSandboxConfigManager(path string) (*SandboxConfigManager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file: %w", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("invalid JSON in configuration file: %w", err)
	}
	return &SandboxConfigManager{profiles: top}, nil
}

// ListEnvironments returns every non-comment profile name. The
// mcp_settings sibling object is configuration for auxiliary tool
// providers, not a profile, so it is excluded too.
func (m *SandboxConfigManager) ListEnvironments() []string {
	var envs []string
	for k := range m.profiles {
		if strings.HasPrefix(k, "_") || k == "mcp_settings" {
			continue
		}
		envs = append(envs, k)
	}
	return envs
}

// MCPSettings returns the raw mcp_settings object, or nil when the
// file has none. The broker round-trips it without interpreting it.
func (m *SandboxConfigManager) MCPSettings() map[string]json.RawMessage {
	raw, ok := m.profiles["mcp_settings"]
	if !ok {
		return nil
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil
	}
	return settings
}

// GetConfig resolves, env-overrides, and validates one profile.
func (m *SandboxConfigManager) GetConfig(environment string) (broker.SandboxConfig, error) {
	rawProfileJSON, ok := m.profiles[environment]
	if !ok {
		return broker.SandboxConfig{}, fmt.Errorf("environment %q not found; available: %v", environment, m.ListEnvironments())
	}

	var p rawProfile
	if err := json.Unmarshal(rawProfileJSON, &p); err != nil {
		return broker.SandboxConfig{}, fmt.Errorf("parse profile %q: %w", environment, err)
	}

	applyEnvOverrides(&p)

	if err := validateProfile(environment, p); err != nil {
		return broker.SandboxConfig{}, err
	}

	cfg := broker.SandboxConfig{
		Region:         p.Region,
		InstanceID:     p.InstanceID,
		BaseDir:        p.BaseSandboxDir,
		MaxExecTimeSec: p.MaxExecutionTime,
		MaxMemoryMB:    p.MaxMemoryMB,
		RetentionHours: p.CleanupAfterHours,
		Creds: broker.Credentials{
			Profile:         p.AWSProfile,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			SessionToken:    p.SessionToken,
		},
	}
	if len(p.AllowedRuntimes) > 0 {
		cfg.AllowedRuntimes = p.AllowedRuntimes
	} else {
		cfg.AllowedRuntimes = broker.DefaultAllowedRuntimes
	}
	return cfg, nil
}

// AuthMethod reports which auth method a profile is configured with,
// without running full validation, matching config_manager.py's
// get_auth_method semantics for the --auth CLI flag.
func (m *SandboxConfigManager) AuthMethod(environment string) string {
	rawProfileJSON, ok := m.profiles[environment]
	if !ok {
		return "unknown"
	}
	var p rawProfile
	if err := json.Unmarshal(rawProfileJSON, &p); err != nil {
		return "unknown"
	}
	switch {
	case p.AWSProfile != "":
		return "profile"
	case p.AccessKeyID != "" && p.SecretAccessKey != "":
		if p.SessionToken != "" {
			return "temporary_credentials"
		}
		return "access_keys"
	default:
		return "unknown"
	}
}

var envOverrideMap = map[string]string{
	"EC2_INSTANCE_ID":       "instance_id",
	"AWS_DEFAULT_REGION":    "region",
	"AWS_PROFILE":           "aws_profile",
	"AWS_ACCESS_KEY_ID":     "access_key_id",
	"AWS_SECRET_ACCESS_KEY": "secret_access_key",
	"AWS_SESSION_TOKEN":     "session_token",
	"SANDBOX_BASE_DIR":      "base_sandbox_dir",
	"MAX_EXECUTION_TIME":    "max_execution_time",
	"MAX_MEMORY_MB":         "max_memory_mb",
	"CLEANUP_AFTER_HOURS":   "cleanup_after_hours",
}

func applyEnvOverrides(p *rawProfile) {
	for envVar, field := range envOverrideMap {
		val := os.Getenv(envVar)
		if val == "" {
			continue
		}
		switch field {
		case "instance_id":
			p.InstanceID = val
		case "region":
			p.Region = val
		case "aws_profile":
			p.AWSProfile = val
		case "access_key_id":
			p.AccessKeyID = val
		case "secret_access_key":
			p.SecretAccessKey = val
		case "session_token":
			p.SessionToken = val
		case "base_sandbox_dir":
			p.BaseSandboxDir = val
		case "max_execution_time":
			setIntOverride(envVar, val, &p.MaxExecutionTime)
		case "max_memory_mb":
			setIntOverride(envVar, val, &p.MaxMemoryMB)
		case "cleanup_after_hours":
			setIntOverride(envVar, val, &p.CleanupAfterHours)
		}
	}
}

func setIntOverride(envVar, val string, dst *int) {
	n, err := strconv.Atoi(val)
	if err != nil {
		logging.L().Warn("ignoring invalid integer override",
			zap.String("variable", envVar), zap.String("value", val))
		return
	}
	*dst = n
}

func validateProfile(environment string, p rawProfile) error {
	verr := &ConfigValidationError{Environment: environment}

	if p.InstanceID == "" {
		verr.Problems = append(verr.Problems, "'instance_id' is required")
	}
	if p.Region == "" {
		verr.Problems = append(verr.Problems, "'region' is required")
	}

	hasProfile := p.AWSProfile != ""
	hasKeys := p.AccessKeyID != "" && p.SecretAccessKey != ""
	if !hasProfile && !hasKeys {
		verr.Problems = append(verr.Problems, "either 'aws_profile' or 'access_key_id'/'secret_access_key' must be provided")
	}

	checkRange := func(name string, value, min, max int) {
		if value < min || value > max {
			verr.Problems = append(verr.Problems, fmt.Sprintf("'%s' must be an integer between %d and %d", name, min, max))
		}
	}
	checkRange("max_execution_time", p.MaxExecutionTime, 30, 3600)
	checkRange("max_memory_mb", p.MaxMemoryMB, 128, 16384)
	checkRange("cleanup_after_hours", p.CleanupAfterHours, 1, 168)

	if p.AllowedRuntimes != nil && len(p.AllowedRuntimes) == 0 {
		verr.Problems = append(verr.Problems, "'allowed_runtimes' cannot be empty")
	} else {
		var invalid []string
		for _, rt := range p.AllowedRuntimes {
			if !validRuntimes[rt] {
				invalid = append(invalid, rt)
			}
		}
		if len(invalid) > 0 {
			verr.Problems = append(verr.Problems, fmt.Sprintf("invalid runtimes: %v", invalid))
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}
