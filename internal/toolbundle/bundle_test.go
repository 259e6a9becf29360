package toolbundle

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/session"
)

// fakeShell records commands and replays canned results. An optional
// gate channel blocks execution commands until released, for
// in-flight-eviction tests.
type fakeShell struct {
	mu       sync.Mutex
	commands []string
	gate     chan struct{}
}

func (f *fakeShell) Run(ctx context.Context, command string, timeoutSec int) (broker.RemoteResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil && strings.Contains(command, "EXECUTION START") {
		<-gate
	}
	if strings.Contains(command, "EXECUTION START") {
		return broker.RemoteResult{
			Status: broker.StatusSuccess,
			Stdout: "=== EXECUTION START ===\nok\n=== EXECUTION END ===\nEXIT_CODE: 0\n--- FILES_CREATED ---\n",
		}, nil
	}
	return broker.RemoteResult{Status: broker.StatusSuccess}, nil
}

func (f *fakeShell) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func newTestFactory(t *testing.T, shell *fakeShell, cap int) (*Factory, *session.Registry) {
	t.Helper()
	cfg := broker.SandboxConfig{
		Region:          "us-east-1",
		InstanceID:      "i-" + t.Name(),
		BaseDir:         "/opt/sandbox",
		MaxExecTimeSec:  30,
		MaxMemoryMB:     512,
		RetentionHours:  24,
		AllowedRuntimes: broker.DefaultAllowedRuntimes,
	}
	env, err := broker.GetSandboxEnv(context.Background(), cfg, shell, nil)
	if err != nil {
		t.Fatalf("GetSandboxEnv: %v", err)
	}
	t.Cleanup(env.Close)
	registry := session.NewRegistry()
	return NewFactory(env, registry, cap), registry
}

func TestExecuteCode_DefaultRuntimeAndCounter(t *testing.T) {
	shell := &fakeShell{}
	factory, registry := newTestFactory(t, shell, 16)
	bundle := factory.ToolsFor("s1")

	result := bundle.ExecuteCodeInSandbox(context.Background(), ExecuteArgs{Code: "print(2+2)"})
	if !result.IsOk() {
		raw, _ := json.Marshal(result)
		t.Fatalf("execute failed: %s", raw)
	}

	cmds := shell.recorded()
	exec := cmds[len(cmds)-1]
	if !strings.Contains(exec, "timeout 30 python task_") {
		t.Fatalf("runtime should default to python: %s", exec)
	}
	if registry.GetOrCreate("s1").TaskCount != 1 {
		t.Fatal("task counter should increment once per execution")
	}
}

func TestExecuteCode_FailureKeepsResultData(t *testing.T) {
	shell := &fakeShell{}
	factory, _ := newTestFactory(t, shell, 16)
	bundle := factory.ToolsFor("s1")

	result := bundle.ExecuteCodeInSandbox(context.Background(), ExecuteArgs{Code: "x", Runtime: "ruby"})
	if result.IsOk() {
		t.Fatal("disallowed runtime must produce an Err envelope")
	}

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var envelope struct {
		Success      bool                   `json:"success"`
		ErrorMessage string                 `json:"errorMessage"`
		Data         map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Success {
		t.Fatal("envelope success must be false")
	}
	if !strings.Contains(envelope.ErrorMessage, "ruby") {
		t.Fatalf("error message should name the runtime: %s", envelope.ErrorMessage)
	}
	if envelope.Data == nil {
		t.Fatal("failed executions still carry the ExecutionResult as data")
	}
}

func TestSessionIsolation(t *testing.T) {
	shell := &fakeShell{}
	factory, _ := newTestFactory(t, shell, 16)

	factory.ToolsFor("alice").ExecuteCodeInSandbox(context.Background(), ExecuteArgs{Code: "open('secret.txt','w').write('a')"})
	factory.ToolsFor("bob").ExecuteCodeInSandbox(context.Background(), ExecuteArgs{Code: "open('secret.txt','w').write('b')"})

	var aliceDirs, bobDirs int
	for _, cmd := range shell.recorded() {
		if strings.Contains(cmd, "/opt/sandbox/alice/") {
			aliceDirs++
		}
		if strings.Contains(cmd, "/opt/sandbox/bob/") {
			bobDirs++
		}
		if strings.Contains(cmd, "/opt/sandbox/alice/") && strings.Contains(cmd, "/opt/sandbox/bob/") {
			t.Fatalf("one command touches both sessions: %s", cmd)
		}
	}
	if aliceDirs == 0 || bobDirs == 0 {
		t.Fatal("each session's commands must land under its own directory")
	}
}

func TestGetSessionFiles_RequiresAnArgument(t *testing.T) {
	shell := &fakeShell{}
	factory, _ := newTestFactory(t, shell, 16)
	bundle := factory.ToolsFor("s1")

	before := len(shell.recorded())
	result := bundle.GetSessionFiles(context.Background(), GetSessionFilesArgs{})
	if result.IsOk() {
		t.Fatal("no-argument lookup must fail")
	}
	raw, _ := json.Marshal(result)
	if !strings.Contains(string(raw), "list_session_structure") {
		t.Fatalf("error should point the caller at the listing tool: %s", raw)
	}
	if len(shell.recorded()) != before {
		t.Fatal("no remote command for an invalid lookup")
	}
}

func TestFactory_ReusesBundles(t *testing.T) {
	factory, _ := newTestFactory(t, &fakeShell{}, 16)
	if factory.ToolsFor("s1") != factory.ToolsFor("s1") {
		t.Fatal("same session must get the same bundle")
	}
	if factory.Count() != 1 {
		t.Fatalf("count = %d", factory.Count())
	}
}

func TestFactory_EvictsIdleLRU(t *testing.T) {
	factory, _ := newTestFactory(t, &fakeShell{}, 2)

	a := factory.ToolsFor("a")
	factory.ToolsFor("b")
	factory.ToolsFor("c")

	if factory.Count() != 2 {
		t.Fatalf("count = %d, want 2 after eviction", factory.Count())
	}
	if factory.ToolsFor("a") == a {
		t.Fatal("least-recently-active bundle should have been evicted")
	}
}

func TestFactory_NeverEvictsInFlight(t *testing.T) {
	gate := make(chan struct{})
	shell := &fakeShell{gate: gate}
	factory, _ := newTestFactory(t, shell, 2)

	busy := factory.ToolsFor("busy")
	done := make(chan struct{})
	go func() {
		busy.ExecuteCodeInSandbox(context.Background(), ExecuteArgs{Code: "while True: pass"})
		close(done)
	}()

	// Wait until the execution command is actually in flight.
	for {
		inFlight := false
		for _, cmd := range shell.recorded() {
			if strings.Contains(cmd, "EXECUTION START") {
				inFlight = true
			}
		}
		if inFlight {
			break
		}
		time.Sleep(time.Millisecond)
	}

	factory.ToolsFor("idle")
	factory.ToolsFor("newcomer")

	if factory.ToolsFor("busy") != busy {
		t.Fatal("a bundle with an execution in flight must never be evicted")
	}

	close(gate)
	<-done
}
