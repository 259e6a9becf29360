// Package broker implements the remote code-execution sandbox: command
// framing, safety checks, and result parsing for code dispatched to a
// long-running cloud compute instance over a management channel.
package broker

import "time"

// Credentials selects exactly one AWS authentication method for a
// SandboxConfig profile.
type Credentials struct {
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// HasProfile reports whether named-profile auth is configured.
func (c Credentials) HasProfile() bool { return c.Profile != "" }

// HasKeys reports whether access-key auth is configured.
func (c Credentials) HasKeys() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// SandboxConfig is the immutable, per-environment configuration for one
// sandbox instance.
type SandboxConfig struct {
	Region          string
	InstanceID      string
	Creds           Credentials
	BaseDir         string
	MaxExecTimeSec  int
	MaxMemoryMB     int
	RetentionHours  int
	AllowedRuntimes []string
}

// DefaultAllowedRuntimes is the runtime allow-list used when a profile
// omits one.
var DefaultAllowedRuntimes = []string{"python3", "python", "node", "bash", "sh"}

// AllowsRuntime reports whether runtime is in the configured allow-list.
func (c SandboxConfig) AllowsRuntime(runtime string) bool {
	for _, r := range c.AllowedRuntimes {
		if r == runtime {
			return true
		}
	}
	return false
}

// ExecutionRequest describes one code submission.
type ExecutionRequest struct {
	Code             string
	Runtime          string
	Files            map[string]string
	EnvVars          map[string]string
	CreateFilesystem bool
	TaskID           string
	SessionID        string
}

// RunStatus is the terminal state of a remote command.
type RunStatus string

const (
	StatusSuccess RunStatus = "Success"
	StatusFailed  RunStatus = "Failed"
)

// RemoteResult is the raw outcome of one RemoteShell.Run call.
type RemoteResult struct {
	Stdout     string
	Stderr     string
	Status     RunStatus
	ReturnCode int
}

// ExecutionResult is what a TaskExecution returns to its caller. It is
// never paired with a Go error for remote or program-level failure --
// every failure mode known to the broker is folded into this struct.
type ExecutionResult struct {
	Success          bool     `json:"success"`
	Stdout           string   `json:"stdout"`
	Stderr           string   `json:"stderr"`
	ReturnCode       int      `json:"returnCode"`
	ExecutionTimeSec float64  `json:"executionTime"`
	WorkingDirectory string   `json:"workingDirectory"`
	FilesCreated     []string `json:"filesCreated,omitempty"`
	TaskHash         string   `json:"taskHash"`
	Runtime          string   `json:"runtime,omitempty"`
	ErrorMessage     string   `json:"errorMessage,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	TaskCount        int      `json:"taskCount,omitempty"`
}

// FileEntry is one line of a parsed `ls -la` listing.
type FileEntry struct {
	Name        string `json:"name"`
	Permissions string `json:"permissions"`
	Size        int64  `json:"size"`
	Modified    string `json:"modified"`
}

// TaskListing describes one task directory under a session.
type TaskListing struct {
	Path  string      `json:"path"`
	Files []FileEntry `json:"files"`
}

// SessionStructure is the full directory tree of one session.
type SessionStructure struct {
	Tasks map[string]TaskListing `json:"tasks"`
}

// SessionFile is the result of a single-file lookup.
type SessionFile struct {
	Name     string `json:"name"`
	TaskHash string `json:"taskHash"`
	Content  string `json:"content"`
}

// InstanceStatus summarizes the compute instance's current state.
type InstanceStatus struct {
	InstanceID     string    `json:"instanceId"`
	State          string    `json:"state"`
	InstanceType   string    `json:"instanceType"`
	PublicIP       string    `json:"publicIp,omitempty"`
	PrivateIP      string    `json:"privateIp,omitempty"`
	LaunchTime     time.Time `json:"launchTime"`
	OSName         string    `json:"osName"`
	CPUUtilization CPUStats  `json:"cpuUtilization"`
}

// CPUStats is a sum type over the three CloudWatch outcomes the
// InstanceInspector can observe.
type CPUStats struct {
	Average       float64   `json:"average,omitempty"`
	Maximum       float64   `json:"maximum,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
	PeriodMinutes int       `json:"periodMinutes,omitempty"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
}
