// Package workspace manages the on-disk directory tree for a swarm:
// per-agent working directories, prompt materialization and artifact
// harvesting. The layout is an external contract read by other tools.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

// DefaultFileCap is the harvest size cap: larger files are listed by
// reference only.
const DefaultFileCap = 1 << 20 // 1 MiB

// TeardownPolicy controls what happens to an agent workspace on shutdown.
type TeardownPolicy string

const (
	TeardownKeep    TeardownPolicy = "keep"
	TeardownArchive TeardownPolicy = "archive"
	TeardownDelete  TeardownPolicy = "delete"
)

// Paths holds the directory tree of one swarm workspace.
type Paths struct {
	Root          string // <root>/swarm-<id>
	Communication string // coordination scripts + event log
	Agents        string // per-agent dirs live underneath
	Output        string // harvested artifacts
}

// AgentWorkspace is the per-agent working directory; the worker's cwd.
type AgentWorkspace struct {
	AgentID    core.AgentID
	SwarmID    core.SwarmID
	Dir        string
	PromptPath string
	InfoPath   string
}

// Manager creates and tears down swarm workspaces.
type Manager struct {
	root    string
	fileCap int64
	logger  *logging.Logger
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{root: root, fileCap: DefaultFileCap, logger: logger}
}

// WithFileCap overrides the harvest size cap.
func (m *Manager) WithFileCap(cap int64) *Manager {
	m.fileCap = cap
	return m
}

// CreateSwarmWorkspace creates the directory tree for a swarm.
// Idempotent: re-entry on an existing tree succeeds.
func (m *Manager) CreateSwarmWorkspace(swarmID core.SwarmID) (*Paths, error) {
	paths := &Paths{
		Root: filepath.Join(m.root, string(swarmID)),
	}
	paths.Communication = filepath.Join(paths.Root, "communication")
	paths.Agents = filepath.Join(paths.Root, "agents")
	paths.Output = filepath.Join(paths.Root, "output")

	for _, dir := range []string{paths.Root, paths.Communication, paths.Agents, paths.Output} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, core.ErrIO("WORKSPACE_CREATE", "creating swarm workspace").WithCause(err)
		}
	}

	m.logger.Debug("workspace: swarm tree created", "root", paths.Root)
	return paths, nil
}

// workspaceInfo is the contents of workspace-info.json.
type workspaceInfo struct {
	AgentID   string    `json:"agent_id"`
	SwarmID   string    `json:"swarm_id"`
	CreatedAt time.Time `json:"created_at"`
	TaskType  string    `json:"task_type,omitempty"`
}

// CreateAgentWorkspace creates the working directory for one agent and
// writes workspace-info.json.
func (m *Manager) CreateAgentWorkspace(paths *Paths, agentID core.AgentID) (*AgentWorkspace, error) {
	dir := filepath.Join(paths.Agents, sanitizeDirName(agentID.Short()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, core.ErrIO("AGENT_WORKSPACE_CREATE", "creating agent workspace").WithCause(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "inbox"), 0o700); err != nil {
		return nil, core.ErrIO("AGENT_WORKSPACE_CREATE", "creating agent inbox").WithCause(err)
	}

	ws := &AgentWorkspace{
		AgentID:    agentID,
		SwarmID:    agentID.Swarm(),
		Dir:        dir,
		PromptPath: filepath.Join(dir, "enhanced-prompt.md"),
		InfoPath:   filepath.Join(dir, "workspace-info.json"),
	}

	info := workspaceInfo{
		AgentID:   string(agentID),
		SwarmID:   string(ws.SwarmID),
		CreatedAt: time.Now().UTC(),
	}
	if err := WriteJSONAtomic(ws.InfoPath, info); err != nil {
		return nil, err
	}

	return ws, nil
}

// WritePrompt materializes the task prompt into the agent workspace and
// returns its path.
func (m *Manager) WritePrompt(ws *AgentWorkspace, content string) (string, error) {
	if err := renameio.WriteFile(ws.PromptPath, []byte(content), 0o600); err != nil {
		return "", core.ErrIO("PROMPT_WRITE", "writing prompt file").WithCause(err)
	}
	return ws.PromptPath, nil
}

// Harvest is the result of scanning an agent workspace after a task.
type Harvest struct {
	Files     map[string][]byte // relpath -> contents, capped files excluded
	Artifacts []string          // every produced relpath, capped files included
	Skipped   int               // unreadable or over-cap files
}

// internalFiles are coordinator-written files excluded from harvests.
var internalFiles = map[string]bool{
	"enhanced-prompt.md":  true,
	"workspace-info.json": true,
	"worker-output.log":   true,
	"worker-launcher.sh":  true,
}

// HarvestOutputs reads every regular file the worker produced under the
// agent workspace. Per-file read errors are logged and skipped; a single
// unreadable artifact never fails the harvest.
func (m *Manager) HarvestOutputs(ws *AgentWorkspace) (*Harvest, error) {
	h := &Harvest{Files: make(map[string][]byte)}

	err := filepath.WalkDir(ws.Dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			h.Skipped++
			return nil
		}
		if d.IsDir() {
			if d.Name() == "inbox" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(ws.Dir, path)
		if relErr != nil {
			h.Skipped++
			return nil
		}
		if internalFiles[rel] {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil || !info.Mode().IsRegular() {
			h.Skipped++
			return nil
		}

		h.Artifacts = append(h.Artifacts, rel)
		if info.Size() > m.fileCap {
			m.logger.Warn("workspace: artifact over size cap, listed by reference",
				"path", rel, "size", info.Size(), "cap", m.fileCap)
			h.Skipped++
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			m.logger.Warn("workspace: unreadable artifact skipped", "path", rel, "error", readErr)
			h.Skipped++
			return nil
		}
		h.Files[rel] = data
		return nil
	})
	if err != nil {
		return nil, core.ErrIO("HARVEST", "walking agent workspace").WithCause(err)
	}
	return h, nil
}

// CopyToOutput copies harvested files into the swarm output directory so
// artifacts survive agent teardown.
func (m *Manager) CopyToOutput(paths *Paths, ws *AgentWorkspace, h *Harvest) error {
	base := filepath.Join(paths.Output, sanitizeDirName(ws.AgentID.Short()))
	for rel, data := range h.Files {
		dest := filepath.Join(base, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return core.ErrIO("OUTPUT_COPY", "creating output directory").WithCause(err)
		}
		if err := renameio.WriteFile(dest, data, 0o600); err != nil {
			return core.ErrIO("OUTPUT_COPY", "copying artifact "+rel).WithCause(err)
		}
	}
	return nil
}

// TeardownAgentWorkspace applies the retention policy to an agent dir.
func (m *Manager) TeardownAgentWorkspace(ws *AgentWorkspace, policy TeardownPolicy) error {
	switch policy {
	case TeardownKeep, "":
		return nil
	case TeardownDelete:
		if err := os.RemoveAll(ws.Dir); err != nil {
			return core.ErrIO("TEARDOWN", "deleting agent workspace").WithCause(err)
		}
		return nil
	case TeardownArchive:
		archived := ws.Dir + ".archived-" + time.Now().UTC().Format("20060102T150405Z")
		if err := os.Rename(ws.Dir, archived); err != nil {
			return core.ErrIO("TEARDOWN", "archiving agent workspace").WithCause(err)
		}
		return nil
	default:
		return core.ErrInvalidInput("BAD_TEARDOWN_POLICY", "unknown teardown policy: "+string(policy))
	}
}

// WriteJSONAtomic marshals v and writes it with a temp-file rename so
// external observers never see a partial file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return core.ErrIO("JSON_MARSHAL", "marshaling "+filepath.Base(path)).WithCause(err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return core.ErrIO("JSON_WRITE", "writing "+filepath.Base(path)).WithCause(err)
	}
	return nil
}

// sanitizeDirName keeps agent directory names filesystem-safe.
func sanitizeDirName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}

// SnapshotPath returns the shared-memory.json path for a swarm.
func SnapshotPath(paths *Paths) string {
	return filepath.Join(paths.Root, "shared-memory.json")
}

// SummaryPath returns the task-summary.json path for a swarm.
func SummaryPath(paths *Paths) string {
	return filepath.Join(paths.Output, "task-summary.json")
}
