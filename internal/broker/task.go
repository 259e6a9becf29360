package broker

import (
	"context"
	"fmt"
	"time"
)

// MaxCodeBytes is the hard ceiling on UTF-8 code bytes this broker
// will attempt to dispatch. The management channel's own command-size
// ceiling is roughly 100KiB once base64 encoding, ulimit preamble, and
// sentinel scaffolding are added; about 72KiB of raw code is the
// empirical point past which real submissions start tipping over that
// ceiling, and this limit sits below it at 70KiB.
const MaxCodeBytes = 70 * 1024

// TaskExecution is the single entry point tool handlers call to run a
// code submission. It fills in a synthetic task ID when the caller
// omitted one and enforces the code-size ceiling before anything is
// dispatched to SandboxEnv.
type TaskExecution struct {
	env *SandboxEnv
}

// NewTaskExecution builds a façade bound to one SandboxEnv.
func NewTaskExecution(env *SandboxEnv) *TaskExecution {
	return &TaskExecution{env: env}
}

// Execute validates request size, fills defaults, and delegates to
// the underlying SandboxEnv.RunTask.
func (t *TaskExecution) Execute(ctx context.Context, req ExecutionRequest, sessionDir string) ExecutionResult {
	if req.TaskID == "" {
		req.TaskID = fmt.Sprintf("task_%d", time.Now().Unix())
	}

	if size := len(req.Code); size > MaxCodeBytes {
		return ExecutionResult{
			Success:      false,
			ReturnCode:   1,
			ErrorMessage: codeTooLargeMessage(size),
			SessionID:    req.SessionID,
		}
	}

	return t.env.RunTask(ctx, req, sessionDir)
}

func codeTooLargeMessage(sizeBytes int) string {
	return fmt.Sprintf(
		"code is too large to dispatch: %d bytes (%.1f KiB) exceeds the %d KiB limit. "+
			"The management channel itself tops out near 99 KiB per command once base64 "+
			"encoding and shell scaffolding are added, so ~72 KiB of raw code is the "+
			"practical ceiling regardless of this limit. To shrink it: "+
			"(1) split the submission into multiple smaller execute_code_in_sandbox calls that "+
			"write intermediate files with createFilesystem and read them back in a later call; "+
			"(2) move large literal data (JSON, CSV, base64 blobs) into a separate file argument "+
			"instead of inlining it in code; (3) remove comments, docstrings, and blank lines; "+
			"(4) replace verbose boilerplate with a shorter equivalent; (5) fetch large datasets "+
			"at runtime (e.g. via curl) rather than embedding them; (6) reuse a file already written "+
			"by an earlier task in the same session instead of re-sending its content; "+
			"(7) compress the payload and decompress it at the start of the script.",
		sizeBytes, float64(sizeBytes)/1024, MaxCodeBytes/1024,
	)
}
