package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

// Watcher streams artifact:created events while a worker runs, giving
// observers file-level progress before the post-exit harvest.
type Watcher struct {
	ws     *AgentWorkspace
	bus    *events.Bus
	logger *logging.Logger
}

// NewWatcher creates a watcher for one agent workspace.
func NewWatcher(ws *AgentWorkspace, bus *events.Bus, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{ws: ws, bus: bus, logger: logger}
}

// Watch publishes an event for every file created under the workspace
// until ctx is cancelled. Watch failures are logged, never fatal: the
// post-exit harvest is the source of truth for artifacts.
func (w *Watcher) Watch(ctx context.Context) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("workspace: artifact watcher unavailable", "error", err)
		return
	}
	defer fw.Close()

	if err := fw.Add(w.ws.Dir); err != nil {
		w.logger.Warn("workspace: cannot watch agent dir", "dir", w.ws.Dir, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			rel, relErr := filepath.Rel(w.ws.Dir, ev.Name)
			if relErr != nil || w.ignored(rel) {
				continue
			}
			// New subdirectories get watched too so nested artifacts
			// are still reported.
			if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
				_ = fw.Add(ev.Name)
				continue
			}
			w.bus.Publish(events.NewArtifactEvent(string(w.ws.SwarmID), string(w.ws.AgentID), rel))
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("workspace: watcher error", "error", err)
		}
	}
}

func (w *Watcher) ignored(rel string) bool {
	if internalFiles[rel] {
		return true
	}
	if strings.HasPrefix(rel, "inbox"+string(filepath.Separator)) {
		return true
	}
	// Editors and CLIs drop temp files mid-write.
	base := filepath.Base(rel)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, "~")
}
