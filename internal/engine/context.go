package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/pkg/types"
)

// projectContextCandidates are checked in order; the first file found
// wins (§6 external collaborator, teacher precedent).
var projectContextCandidates = []string{"AGENTS.md", "CLAUDE.md", filepath.Join(".opencode", "rules.md")}

// ContextLoader implements the project-context loader collaborator
// (§6): scans a working directory for the first known project-memory
// file and returns it verbatim. Results are cached per directory and
// invalidated by fsnotify so a *new* session picks up an edited file;
// an already-attached session's cached context is immutable per §3.
type ContextLoader struct {
	mu      sync.Mutex
	cache   map[string]*types.ProjectContext
	watcher *fsnotify.Watcher
	watched map[string]bool
	mcp     *MCPContextSource
}

// NewContextLoader builds a loader. mcpSource may be nil, or a source
// built with an empty command, for deployments with no MCP server
// configured.
func NewContextLoader(mcpSource *MCPContextSource) *ContextLoader {
	cl := &ContextLoader{cache: make(map[string]*types.ProjectContext), watched: make(map[string]bool), mcp: mcpSource}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Err(err).Msg("context loader: fsnotify unavailable, caching disabled")
		return cl
	}
	cl.watcher = w
	go cl.watchLoop()
	return cl
}

func (cl *ContextLoader) watchLoop() {
	for {
		select {
		case ev, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				// A change to .opencode/rules.md arrives from the
				// .opencode subdirectory, so its parent is dropped too.
				dir := filepath.Dir(ev.Name)
				cl.mu.Lock()
				delete(cl.cache, dir)
				delete(cl.cache, filepath.Dir(dir))
				cl.mu.Unlock()
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("context loader: watch error")
		}
	}
}

// Load returns the first matching project-context file under
// workingDir, or nil if none exists.
func (cl *ContextLoader) Load(ctx context.Context, workingDir string) *types.ProjectContext {
	cl.mu.Lock()
	if pc, ok := cl.cache[workingDir]; ok {
		cl.mu.Unlock()
		return pc
	}
	cl.mu.Unlock()

	if pc, ok := cl.mcp.Fetch(ctx, workingDir); ok {
		cl.mu.Lock()
		if cl.watcher != nil {
			cl.cache[workingDir] = pc
		}
		cl.mu.Unlock()
		return pc
	}

	var found *types.ProjectContext
	for _, rel := range projectContextCandidates {
		path := filepath.Join(workingDir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		found = &types.ProjectContext{Source: rel, Path: path, Content: string(data)}
		break
	}

	cl.mu.Lock()
	if cl.watcher != nil {
		cl.cache[workingDir] = found
	}
	if cl.watcher != nil && !cl.watched[workingDir] {
		cl.watched[workingDir] = true
		_ = cl.watcher.Add(workingDir)
		if found != nil {
			_ = cl.watcher.Add(filepath.Dir(found.Path))
		}
	}
	cl.mu.Unlock()
	return found
}

func (cl *ContextLoader) Close() {
	if cl.watcher != nil {
		_ = cl.watcher.Close()
	}
}
