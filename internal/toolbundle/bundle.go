package toolbundle

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"sandbox-broker/internal/audit"
	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/session"
)

// ExecuteArgs is the input shape of execute_code_in_sandbox.
type ExecuteArgs struct {
	Code             string            `json:"code"`
	Runtime          string            `json:"runtime"`
	TaskID           string            `json:"taskId"`
	Files            map[string]string `json:"files"`
	EnvVars          map[string]string `json:"envVars"`
	CreateFilesystem *bool             `json:"createFilesystem"`
}

// GetSessionFilesArgs is the input shape of get_session_files. At
// least one of Filename or TaskHash must be set.
type GetSessionFilesArgs struct {
	Filename string `json:"filename"`
	TaskHash string `json:"taskHash"`
}

// CleanupArgs is the input shape of cleanup_expired_tasks.
type CleanupArgs struct {
	Hours int `json:"hours"`
}

// HistorySource supplies recent execution-ledger rows for a session.
// Implemented by audit.Store; optional -- a nil source just omits the
// recentTasks field from check_sandbox_status output.
type HistorySource interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]audit.Record, error)
}

// Bundle is the set of five tools bound to one session.
type Bundle struct {
	sessionID  string
	sessionDir string
	env        *broker.SandboxEnv
	task       *broker.TaskExecution
	registry   *session.Registry
	history    HistorySource

	lastActivity atomic.Int64
	inFlight     atomic.Int32
}

// ExecuteCodeInSandbox runs req.Code under the session's directory.
func (b *Bundle) ExecuteCodeInSandbox(ctx context.Context, args ExecuteArgs) Result {
	b.touch()
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	createFS := true
	if args.CreateFilesystem != nil {
		createFS = *args.CreateFilesystem
	}
	runtime := args.Runtime
	if runtime == "" {
		runtime = "python"
	}

	result := b.task.Execute(ctx, broker.ExecutionRequest{
		Code:             args.Code,
		Runtime:          runtime,
		Files:            args.Files,
		EnvVars:          args.EnvVars,
		CreateFilesystem: createFS,
		TaskID:           args.TaskID,
		SessionID:        b.sessionID,
	}, b.sessionDir)

	b.registry.Touch(b.sessionID)
	result.TaskCount = b.registry.GetOrCreate(b.sessionID).TaskCount

	if !result.Success {
		return Err(result.ErrorMessage, result)
	}
	return Ok(result)
}

// GetSessionFiles resolves a single file or an entire task's files.
func (b *Bundle) GetSessionFiles(ctx context.Context, args GetSessionFilesArgs) Result {
	b.touch()

	if args.Filename == "" && args.TaskHash == "" {
		return Err("get_session_files requires a filename or a taskHash; call list_session_structure to see what this session has produced", nil)
	}

	if args.Filename != "" {
		file, err := b.env.ReadSessionFile(ctx, b.sessionDir, args.Filename, args.TaskHash)
		if err != nil {
			return Err(err.Error(), nil)
		}
		return Ok(file)
	}

	files, err := b.env.ReadTaskFiles(ctx, b.sessionDir, args.TaskHash)
	if err != nil {
		return Err(err.Error(), nil)
	}
	return Ok(files)
}

// ListSessionStructure returns the full task/file tree for the session.
func (b *Bundle) ListSessionStructure(ctx context.Context) Result {
	b.touch()
	structure, err := b.env.ListSessionStructure(ctx, b.sessionDir)
	if err != nil {
		return Err(err.Error(), nil)
	}
	return Ok(structure)
}

// CleanupExpiredTasks purges task directories older than args.Hours
// (falling back to the env's configured retention window).
func (b *Bundle) CleanupExpiredTasks(ctx context.Context, args CleanupArgs) Result {
	b.touch()

	hours := args.Hours
	if hours <= 0 {
		hours = b.env.Config().RetentionHours
	}
	if err := b.env.Purge(ctx, b.sessionDir, hours); err != nil {
		return Err(err.Error(), nil)
	}
	return Ok(map[string]interface{}{"purgedOlderThanHours": hours})
}

// CheckSandboxStatus reports instance status plus this session's task
// count.
func (b *Bundle) CheckSandboxStatus(ctx context.Context) Result {
	b.touch()

	status, err := b.env.Inspector().Status(ctx, b.env.Config().InstanceID)
	if err != nil {
		return Err(err.Error(), nil)
	}

	state := b.registry.GetOrCreate(b.sessionID)
	payload := map[string]interface{}{
		"instance":  status,
		"sessionId": b.sessionID,
		"taskCount": state.TaskCount,
	}
	if b.history != nil {
		if recent, err := b.history.Recent(ctx, b.sessionID, 10); err == nil {
			payload["recentTasks"] = recent
		}
	}
	return Ok(payload)
}

func (b *Bundle) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *Bundle) idle() bool {
	return b.inFlight.Load() == 0
}

// Factory builds and caches per-session Bundles, evicting idle ones
// under an LRU policy once the cap is exceeded. It owns no message
// history -- only tool closures -- so eviction never discards
// conversation state the agent framework is responsible for.
type Factory struct {
	env      *broker.SandboxEnv
	registry *session.Registry
	history  HistorySource
	baseDir  string
	cap      int

	mu      sync.Mutex
	bundles map[string]*Bundle
}

// SwapEnv rebinds the factory and every live bundle to a different
// SandboxEnv. Conversation state lives in the agent framework, not
// here, so swapping tool bundles under a session never loses messages.
func (f *Factory) SwapEnv(env *broker.SandboxEnv) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.env = env
	f.baseDir = env.Config().BaseDir
	for id, old := range f.bundles {
		b := &Bundle{
			sessionID:  id,
			sessionDir: path.Join(f.baseDir, id),
			env:        env,
			task:       broker.NewTaskExecution(env),
			registry:   f.registry,
			history:    f.history,
		}
		b.lastActivity.Store(old.lastActivity.Load())
		f.bundles[id] = b
	}
}

// SetHistory wires an execution-ledger reader into every live bundle
// and every bundle built from now on. Optional.
func (f *Factory) SetHistory(h HistorySource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = h
	for _, b := range f.bundles {
		b.history = h
	}
}

// NewFactory builds a Factory bound to one SandboxEnv and session
// registry, with room for up to maxBundles live tool bundles at once.
func NewFactory(env *broker.SandboxEnv, registry *session.Registry, maxBundles int) *Factory {
	if maxBundles <= 0 {
		maxBundles = 256
	}
	return &Factory{
		env:      env,
		registry: registry,
		baseDir:  env.Config().BaseDir,
		cap:      maxBundles,
		bundles:  make(map[string]*Bundle),
	}
}

// ToolsFor returns (creating if necessary) the Bundle for sessionID.
func (f *Factory) ToolsFor(sessionID string) *Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.bundles[sessionID]; ok {
		b.touch()
		return b
	}

	f.evictIdleLocked()

	b := &Bundle{
		sessionID:  sessionID,
		sessionDir: path.Join(f.baseDir, sessionID),
		env:        f.env,
		task:       broker.NewTaskExecution(f.env),
		registry:   f.registry,
		history:    f.history,
	}
	b.touch()
	f.bundles[sessionID] = b
	return b
}

// evictIdleLocked drops the least-recently-active idle bundle once
// the factory is at capacity. Bundles with an in-flight execution are
// never eviction candidates: the factory would rather exceed its
// soft cap briefly than orphan a running task.
func (f *Factory) evictIdleLocked() {
	if len(f.bundles) < f.cap {
		return
	}

	var oldestID string
	var oldestAt int64
	for id, b := range f.bundles {
		if !b.idle() {
			continue
		}
		at := b.lastActivity.Load()
		if oldestID == "" || at < oldestAt {
			oldestID, oldestAt = id, at
		}
	}
	if oldestID != "" {
		delete(f.bundles, oldestID)
	}
}

// Count returns the number of live bundles, test/metrics use only.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bundles)
}
