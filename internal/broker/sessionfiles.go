package broker

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// ReadSessionFile locates filename within sessionDir (optionally
// scoped to one task directory via taskHash) and returns its content.
// The first match wins; no match is reported as an error, not an
// empty ExecutionResult-style envelope, since this is a direct
// filesystem lookup rather than a code execution.
func (e *SandboxEnv) ReadSessionFile(ctx context.Context, sessionDir, filename string, taskHash string) (SessionFile, error) {
	if !IsSafeFilename(filename) {
		return SessionFile{}, fmt.Errorf("unsafe filename: %q", filename)
	}

	searchRoot := sessionDir
	maxdepth := "-maxdepth 2"
	if taskHash != "" {
		searchRoot = path.Join(sessionDir, taskHash)
		maxdepth = "-maxdepth 1"
	}

	findCmd := fmt.Sprintf("find %s %s -type f -name %s 2>/dev/null | head -n1", shellQuote(searchRoot), maxdepth, shellQuote(filename))
	res, err := e.shell.Run(ctx, findCmd, 15)
	if err != nil {
		return SessionFile{}, err
	}
	matchPath := strings.TrimSpace(res.Stdout)
	if matchPath == "" {
		return SessionFile{}, fmt.Errorf("file not found: %s", filename)
	}

	catCmd := fmt.Sprintf("cat %s", shellQuote(matchPath))
	contentRes, err := e.shell.Run(ctx, catCmd, 15)
	if err != nil {
		return SessionFile{}, err
	}

	hash := taskHash
	if hash == "" {
		rel := strings.TrimPrefix(matchPath, sessionDir+"/")
		if idx := strings.Index(rel, "/"); idx >= 0 {
			hash = rel[:idx]
		}
	}

	return SessionFile{Name: filename, TaskHash: hash, Content: contentRes.Stdout}, nil
}

// ReadTaskFiles enumerates and reads every regular file in one task
// directory. A per-file read failure substitutes a placeholder value
// for that entry rather than failing the whole operation.
func (e *SandboxEnv) ReadTaskFiles(ctx context.Context, sessionDir, taskHash string) (map[string]string, error) {
	taskDir := path.Join(sessionDir, taskHash)

	listCmd := fmt.Sprintf("find %s -maxdepth 1 -type f -printf '%%f\\n' 2>/dev/null", shellQuote(taskDir))
	res, err := e.shell.Run(ctx, listCmd, 15)
	if err != nil {
		return nil, err
	}

	files := make(map[string]string)
	for _, name := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		catRes, err := e.shell.Run(ctx, fmt.Sprintf("cat %s", shellQuote(path.Join(taskDir, name))), 15)
		if err != nil {
			files[name] = fmt.Sprintf("<read failed: %s>", err.Error())
			continue
		}
		if catRes.Status != StatusSuccess {
			files[name] = fmt.Sprintf("<read failed: %s>", catRes.Stderr)
			continue
		}
		files[name] = catRes.Stdout
	}
	return files, nil
}

// ListSessionStructure enumerates every task directory under
// sessionDir and parses an `ls -la` listing for each.
func (e *SandboxEnv) ListSessionStructure(ctx context.Context, sessionDir string) (SessionStructure, error) {
	listCmd := fmt.Sprintf("find %s -maxdepth 1 -type d ! -path %s -printf '%%f\\n' 2>/dev/null", shellQuote(sessionDir), shellQuote(sessionDir))
	res, err := e.shell.Run(ctx, listCmd, 15)
	if err != nil {
		return SessionStructure{}, err
	}

	structure := SessionStructure{Tasks: make(map[string]TaskListing)}
	for _, hash := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		hash = strings.TrimSpace(hash)
		if hash == "" {
			continue
		}
		taskDir := path.Join(sessionDir, hash)
		lsRes, err := e.shell.Run(ctx, fmt.Sprintf("ls -la %s 2>/dev/null", shellQuote(taskDir)), 15)
		if err != nil {
			continue
		}
		structure.Tasks[hash] = TaskListing{
			Path:  taskDir,
			Files: parseLsOutput(lsRes.Stdout),
		}
	}
	return structure, nil
}

func parseLsOutput(raw string) []FileEntry {
	var entries []FileEntry
	for _, line := range strings.Split(raw, "\n") {
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
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		modified := strings.Join(fields[5:8], " ")
		entries = append(entries, FileEntry{
			Name:        name,
			Permissions: fields[0],
			Size:        size,
			Modified:    modified,
		})
	}
	return entries
}

// listSessionDirs enumerates the session directories currently
// present under the base directory, so the retention sweeper can
// reach the task directories one level below them.
func (e *SandboxEnv) listSessionDirs(ctx context.Context) ([]string, error) {
	cmd := fmt.Sprintf("find %s -maxdepth 1 -type d ! -path %s -printf '%%f\\n' 2>/dev/null",
		shellQuote(e.config.BaseDir), shellQuote(e.config.BaseDir))
	res, err := e.shell.Run(ctx, cmd, 30)
	if err != nil {
		return nil, err
	}
	if res.Status != StatusSuccess {
		return nil, fmt.Errorf("list session dirs: %s", res.Stderr)
	}

	var dirs []string
	for _, name := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		name = strings.TrimSpace(name)
		if name != "" {
			dirs = append(dirs, name)
		}
	}
	return dirs, nil
}

// Purge removes task directories under baseDir older than
// olderThanHours. Failures are returned to the caller (the
// RetentionSweeper logs and continues); this method itself performs
// no logging so it stays testable as a pure remote-command wrapper.
func (e *SandboxEnv) Purge(ctx context.Context, baseDir string, olderThanHours int) error {
	cmd := fmt.Sprintf("find %s -maxdepth 1 -type d -mmin +%d ! -path %s -exec rm -rf {} +",
		shellQuote(baseDir), olderThanHours*60, shellQuote(baseDir))
	res, err := e.shell.Run(ctx, cmd, 60)
	if err != nil {
		return err
	}
	if res.Status != StatusSuccess {
		return fmt.Errorf("purge failed: %s", res.Stderr)
	}
	return nil
}
