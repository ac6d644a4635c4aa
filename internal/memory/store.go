// Package memory persists the project history: which tasks the agent
// completed and which files and folders they created or edited. The history
// is summarized into future prompts so the agent knows what it built before.
package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// FileName is the history file kept at the workspace root.
	FileName = ".agent_history.json"
	// MaxEntries caps the number of entries kept on disk.
	MaxEntries = 50
	// PromptEntries is how many recent entries the prompt summary shows.
	PromptEntries = 5
)

// recordedTools lists the actions worth remembering. Commands, reads and
// searches are operational noise, not project artifacts.
var recordedTools = map[string]bool{
	"create_file":   true,
	"create_folder": true,
	"edit_file":     true,
}

// IsRecorded reports whether actions of the named tool are persisted.
func IsRecorded(tool string) bool { return recordedTools[tool] }

// Action is one mutating capability invocation.
type Action struct {
	Tool  string                 `json:"tool"`
	Input map[string]interface{} `json:"input"`
}

// Entry is one completed task.
type Entry struct {
	Timestamp string   `json:"timestamp"`
	Task      string   `json:"task"`
	Actions   []Action `json:"actions"`
}

// Store is the in-memory view of the history file. All access goes through
// mu so that concurrent runs cannot interleave writes.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	logger  *zap.Logger
	now     func() time.Time
}

// Open loads the history at path. A missing, unreadable or corrupt file
// yields an empty history; the error is logged, not returned.
func Open(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger, now: time.Now}
	s.entries = s.load()
	return s
}

// OpenWorkspace opens the history file at the root of a workspace.
func OpenWorkspace(root string, logger *zap.Logger) *Store {
	return Open(filepath.Join(root, FileName), logger)
}

func (s *Store) load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read project history, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("project history is corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	s.logger.Debug("loaded project history", zap.String("path", s.path), zap.Int("entries", len(entries)))
	return entries
}

// Path returns the location of the history file.
func (s *Store) Path() string { return s.path }

// Record appends an entry for task holding only the mutating actions and
// persists the capped history. The entry is kept in memory even when the
// write fails.
func (s *Store) Record(task string, actions []Action) error {
	kept := make([]Action, 0, len(actions))
	for _, a := range actions {
		if IsRecorded(a.Tool) {
			kept = append(kept, Action{Tool: a.Tool, Input: copyInput(a.Input)})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, Entry{
		Timestamp: s.now().Format(time.RFC3339),
		Task:      task,
		Actions:   kept,
	})
	if len(s.entries) > MaxEntries {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-MaxEntries:]...)
	}
	return s.saveLocked()
}

// saveLocked writes the history atomically. Callers hold mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project history: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write project history: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write project history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write project history: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write project history: %w", err)
	}
	return nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Recent returns up to n of the newest entries, oldest first.
func (s *Store) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// Summary renders the newest n entries for a prompt.
func (s *Store) Summary(n int) string {
	entries := s.Recent(n)
	if len(entries) == 0 {
		return "No previous tasks recorded."
	}

	var b strings.Builder
	for _, e := range entries {
		ts := e.Timestamp
		if len(ts) > 16 {
			ts = ts[:16]
		}
		fmt.Fprintf(&b, "- %s: %s\n", ts, e.Task)
		for _, a := range e.Actions {
			name, _ := a.Input["name"].(string)
			switch a.Tool {
			case "create_file":
				fmt.Fprintf(&b, "  * Created %s\n", name)
			case "create_folder":
				fmt.Fprintf(&b, "  * Created folder %s\n", name)
			case "edit_file":
				fmt.Fprintf(&b, "  * Edited %s\n", name)
			}
		}
	}
	return b.String()
}

// copyInput keeps only the path-like arguments. File contents are not worth
// persisting and would bloat the history.
func copyInput(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, 1)
	if name, ok := in["name"]; ok {
		out["name"] = name
	}
	return out
}
