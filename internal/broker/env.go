package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sandbox-broker/internal/logging"
	"sandbox-broker/internal/metrics"
)

var (
	envRegistry   = map[string]*SandboxEnv{}
	envRegistryMu sync.Mutex
)

// GetSandboxEnv returns the process-wide SandboxEnv for the
// (instance, region) pair described by cfg, constructing it on first
// use. A second call for the same pair returns the existing instance,
// so the process never juggles duplicate SSM sessions against one EC2
// host.
func GetSandboxEnv(ctx context.Context, cfg SandboxConfig, shell RemoteShell, inspector *InstanceInspector) (*SandboxEnv, error) {
	key := cfg.InstanceID + "_" + cfg.Region

	envRegistryMu.Lock()
	defer envRegistryMu.Unlock()

	if env, ok := envRegistry[key]; ok {
		return env, nil
	}

	if len(cfg.AllowedRuntimes) == 0 {
		cfg.AllowedRuntimes = DefaultAllowedRuntimes
	}

	env := &SandboxEnv{
		config:    cfg,
		shell:     shell,
		inspector: inspector,
		fpLocks:   make(map[string]*sync.Mutex),
	}
	if err := env.provisionBaseDir(ctx); err != nil {
		logging.L().Warn("base sandbox dir provisioning failed, continuing", zap.Error(err))
	}
	env.sweeper = NewRetentionSweeper(env, time.Hour)
	env.sweeper.Start(context.Background())
	envRegistry[key] = env
	return env, nil
}

// resetSandboxEnvRegistry clears the process-wide singleton map. Test-only.
func resetSandboxEnvRegistry() {
	envRegistryMu.Lock()
	defer envRegistryMu.Unlock()
	envRegistry = map[string]*SandboxEnv{}
}

// SandboxEnv owns the RemoteShell and InstanceInspector for one compute
// instance and orchestrates task-directory lifecycle on it. The
// session directory for any given call is passed in explicitly by the
// caller -- this struct never holds a mutable "current session" field.
type SandboxEnv struct {
	config    SandboxConfig
	shell     RemoteShell
	inspector *InstanceInspector

	fpMu    sync.Mutex
	fpLocks map[string]*sync.Mutex

	sweeper   *RetentionSweeper
	auditSink AuditSink
}

// Close stops the env's retention sweeper. Safe to call more than
// once; any error is swallowed since this runs on the shutdown path.
func (e *SandboxEnv) Close() {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
}

// OnSweep registers fn to run after each retention sweep tick. The
// process wiring uses this to purge stale in-memory session state in
// step with the on-instance directories.
func (e *SandboxEnv) OnSweep(fn func()) {
	if e.sweeper != nil {
		e.sweeper.onSweep = fn
	}
}

// AuditSink receives one record per RunTask call, success or failure.
// Implemented by internal/audit.Store; kept as an interface here so
// the broker package does not import gorm or a specific driver.
type AuditSink interface {
	Record(ctx context.Context, sessionID string, result ExecutionResult)
}

// SetAuditSink wires an audit ledger into the env. Optional -- a nil
// sink means RunTask simply skips the audit write.
func (e *SandboxEnv) SetAuditSink(sink AuditSink) {
	e.auditSink = sink
}

// Config returns the env's immutable sandbox configuration.
func (e *SandboxEnv) Config() SandboxConfig { return e.config }

// Inspector exposes the env's InstanceInspector for status tools.
func (e *SandboxEnv) Inspector() *InstanceInspector { return e.inspector }

func (e *SandboxEnv) provisionBaseDir(ctx context.Context) error {
	cmd := fmt.Sprintf("sudo mkdir -p %s && sudo chmod 755 %s", shellQuote(e.config.BaseDir), shellQuote(e.config.BaseDir))
	res, err := e.shell.Run(ctx, cmd, 30)
	if err != nil {
		return err
	}
	if res.Status != StatusSuccess {
		return fmt.Errorf("provision base dir: %s", res.Stderr)
	}
	return nil
}

func (e *SandboxEnv) fingerprintLock(fp string) *sync.Mutex {
	e.fpMu.Lock()
	defer e.fpMu.Unlock()
	l, ok := e.fpLocks[fp]
	if !ok {
		l = &sync.Mutex{}
		e.fpLocks[fp] = l
	}
	return l
}

// RunTask is the broker's central operation: it turns an
// ExecutionRequest plus an explicit session directory into an
// ExecutionResult. It never returns a Go error -- every failure mode
// is folded into the returned ExecutionResult's Success/ErrorMessage
// fields, including input-validation failures that never reach the
// remote channel at all.
func (e *SandboxEnv) RunTask(ctx context.Context, req ExecutionRequest, sessionDir string) ExecutionResult {
	start := time.Now()

	if !e.config.AllowsRuntime(req.Runtime) {
		return e.fail(ctx, req, fmt.Sprintf("runtime %q is not allowed; allowed runtimes: %s", req.Runtime, strings.Join(e.config.AllowedRuntimes, ", ")))
	}

	for name := range req.Files {
		if !IsSafeFilename(name) {
			return e.fail(ctx, req, fmt.Sprintf("Unsafe filename: %q", name))
		}
	}
	sanitizedEnv := make(map[string]string, len(req.EnvVars))
	for k, v := range req.EnvVars {
		name, val, err := SanitizeEnvVar(k, v)
		if err != nil {
			return e.fail(ctx, req, err.Error())
		}
		sanitizedEnv[name] = val
	}

	hourBucket := time.Now().Unix() / 3600
	fingerprint := Fingerprint(req.Code, req.Runtime, req.SessionID, hourBucket)

	lock := e.fingerprintLock(req.SessionID + "/" + fingerprint)
	lock.Lock()
	defer lock.Unlock()

	taskDir := path.Join(sessionDir, fingerprint)

	if req.CreateFilesystem {
		if err := e.provisionTaskDir(ctx, taskDir, req.Files); err != nil {
			return e.record(ctx, ExecutionResult{
				Success:      false,
				ReturnCode:   1,
				ErrorMessage: err.Error(),
				TaskHash:     fingerprint,
				Runtime:      req.Runtime,
				SessionID:    req.SessionID,
			})
		}
	}

	command, _ := e.buildExecCommand(req, sanitizedEnv, fingerprint)

	res, err := e.shell.Run(ctx, fmt.Sprintf("cd %s && %s", shellQuote(taskDir), command), e.config.MaxExecTimeSec)
	if err != nil {
		return e.record(ctx, ExecutionResult{
			Success:          false,
			ReturnCode:       1,
			ErrorMessage:     err.Error(),
			TaskHash:         fingerprint,
			Runtime:          req.Runtime,
			WorkingDirectory: taskDir,
			SessionID:        req.SessionID,
		})
	}

	rc, stdout, filesCreated := parseExecutionOutput(res.Stdout)

	result := ExecutionResult{
		Success:          rc == 0 && res.Status == StatusSuccess,
		Stdout:           stdout,
		Stderr:           res.Stderr,
		ReturnCode:       rc,
		ExecutionTimeSec: time.Since(start).Seconds(),
		WorkingDirectory: taskDir,
		FilesCreated:     filesCreated,
		TaskHash:         fingerprint,
		Runtime:          req.Runtime,
		SessionID:        req.SessionID,
	}
	if res.Status != StatusSuccess {
		result.ErrorMessage = res.Stderr
	}
	return e.record(ctx, result)
}

// record appends the task's audit row and observes its metrics. Every
// RunTask return path, validation rejections included, funnels through
// here exactly once.
func (e *SandboxEnv) record(ctx context.Context, result ExecutionResult) ExecutionResult {
	metrics.ObserveTask(result.Runtime, result.Success, result.ReturnCode, result.ExecutionTimeSec)
	if e.auditSink != nil {
		e.auditSink.Record(ctx, result.SessionID, result)
	}
	return result
}

func (e *SandboxEnv) fail(ctx context.Context, req ExecutionRequest, message string) ExecutionResult {
	logging.L().Debug("sandbox task rejected before dispatch", zap.String("session_id", req.SessionID), zap.String("reason", message))
	return e.record(ctx, ExecutionResult{
		Success:      false,
		ReturnCode:   1,
		ErrorMessage: message,
		Runtime:      req.Runtime,
		SessionID:    req.SessionID,
	})
}

func (e *SandboxEnv) provisionTaskDir(ctx context.Context, taskDir string, files map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s && chmod 755 %s && cd %s", shellQuote(taskDir), shellQuote(taskDir), shellQuote(taskDir))

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		encoded := base64.StdEncoding.EncodeToString([]byte(files[name]))
		fmt.Fprintf(&b, " && echo '%s' | base64 -d > %s", encoded, name)
	}

	res, err := e.shell.Run(ctx, b.String(), 30)
	if err != nil {
		return err
	}
	if res.Status != StatusSuccess || res.ReturnCode != 0 {
		return fmt.Errorf("task directory provisioning failed: %s", res.Stderr)
	}
	return nil
}

// buildExecCommand assembles the single shell command run inside the
// task directory: env exports, ulimits, the code file written via
// base64, sentinel-delimited execution, and a trailing ls -la for
// artifact discovery.
func (e *SandboxEnv) buildExecCommand(req ExecutionRequest, sanitizedEnv map[string]string, fingerprint string) (string, string) {
	var b strings.Builder

	envNames := make([]string, 0, len(sanitizedEnv))
	for k := range sanitizedEnv {
		envNames = append(envNames, k)
	}
	sort.Strings(envNames)
	for _, name := range envNames {
		fmt.Fprintf(&b, "export %s=\"%s\" && ", name, sanitizedEnv[name])
	}

	fmt.Fprintf(&b, "ulimit -t %d && ulimit -v %d && ulimit -f 102400 && ulimit -n 1024 && ",
		e.config.MaxExecTimeSec, e.config.MaxMemoryMB*1024)

	ext, runner := runtimeFile(req.Runtime)
	codeFile := fmt.Sprintf("task_%s%s", fingerprint, ext)
	encoded := base64.StdEncoding.EncodeToString([]byte(req.Code))

	fmt.Fprintf(&b, "echo '%s' | base64 -d > %s && ", encoded, codeFile)
	fmt.Fprintf(&b, "echo '=== EXECUTION START ===' && ")
	if req.Runtime == "bash" || req.Runtime == "sh" {
		// Shell code is piped into the interpreter rather than executed
		// as a script file, so a missing shebang or exec bit never
		// matters.
		fmt.Fprintf(&b, "cat %s | timeout %d %s; rc=$?; ", codeFile, e.config.MaxExecTimeSec, runner)
	} else {
		fmt.Fprintf(&b, "timeout %d %s %s; rc=$?; ", e.config.MaxExecTimeSec, runner, codeFile)
	}
	fmt.Fprintf(&b, "echo '=== EXECUTION END ===' && echo \"EXIT_CODE: $rc\" && ")
	fmt.Fprintf(&b, "echo '--- FILES_CREATED ---' && ls -la")

	return b.String(), ext
}

func runtimeFile(runtime string) (ext string, runner string) {
	switch runtime {
	case "python3", "python":
		return ".py", runtime
	case "node":
		return ".js", "node"
	case "bash", "sh":
		return ".sh", runtime
	default:
		return ".sh", "sh"
	}
}

var exitCodePattern = regexp.MustCompile(`EXIT_CODE: (-?\d+)`)

// parseExecutionOutput extracts the real exit code, the captured
// program output between the start/end sentinels, and the list of
// artifact filenames from the trailing ls -la block.
func parseExecutionOutput(raw string) (int, string, []string) {
	rc := 0
	if m := exitCodePattern.FindStringSubmatch(raw); len(m) == 2 {
		if v, err := strconv.Atoi(m[1]); err == nil {
			rc = v
		}
	}

	startIdx := strings.Index(raw, "=== EXECUTION START ===")
	endIdx := strings.Index(raw, "=== EXECUTION END ===")
	stdout := raw
	if startIdx >= 0 && endIdx > startIdx {
		stdout = strings.TrimSpace(raw[startIdx+len("=== EXECUTION START ==="):endIdx])
	}

	var filesCreated []string
	if marker := strings.Index(raw, "--- FILES_CREATED ---"); marker >= 0 {
		listing := raw[marker+len("--- FILES_CREATED ---"):]
		for _, line := range strings.Split(listing, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 9 {
				continue
			}
			if strings.HasPrefix(fields[0], "d") {
				continue
			}
			name := strings.Join(fields[8:], " ")
			if name == "." || name == ".." {
				continue
			}
			filesCreated = append(filesCreated, name)
		}
	}
	return rc, stdout, filesCreated
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
