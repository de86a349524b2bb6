package maintenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

const stateFileName = "maintenance_state.json"

// TaskState contains the last run information for a task
type TaskState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	Affected       int64     `json:"affected"` // Rows swept, or 0 for tasks without a count
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// State is the persisted form of every task's last run
type State struct {
	Tasks     map[string]TaskState `json:"tasks"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// StateManager handles persisting and loading maintenance state.
// An empty stateDir keeps state in memory only.
type StateManager struct {
	stateDir  string
	statePath string
	state     State
	mu        sync.RWMutex
}

// NewStateManager creates a new state manager
func NewStateManager(stateDir string) *StateManager {
	m := &StateManager{
		stateDir: stateDir,
		state:    State{Tasks: make(map[string]TaskState)},
	}
	if stateDir != "" {
		m.statePath = filepath.Join(stateDir, stateFileName)
	}
	return m
}

// Load loads the state from disk. A missing file starts fresh.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = State{Tasks: make(map[string]TaskState)}
			return nil
		}
		return fmt.Errorf("%w: failed to read state file: %w", utils.ErrFilesystem, err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("%w: failed to parse state file: %w", utils.ErrParsing, err)
	}
	if m.state.Tasks == nil {
		m.state.Tasks = make(map[string]TaskState)
	}
	return nil
}

// Save writes the state atomically via a temp file and rename
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = time.Now()
	if m.statePath == "" {
		return nil
	}

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create state directory: %w", utils.ErrFilesystem, err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write state file: %w", utils.ErrFilesystem, err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("%w: failed to replace state file: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// GetTaskState returns the state for a task
func (m *StateManager) GetTaskState(name string) (TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Tasks[name]
	return state, ok
}

// UpdateTaskState records the outcome of a run that finished at now
func (m *StateManager) UpdateTaskState(name string, now time.Time, affected int64, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := TaskState{
		LastRunTime:    now,
		LastRunSuccess: runErr == nil,
		Affected:       affected,
	}
	if runErr != nil {
		st.ErrorMessage = runErr.Error()
	}
	m.state.Tasks[name] = st
}

// ShouldRun reports whether interval has passed since the task last ran
func (m *StateManager) ShouldRun(name string, interval time.Duration, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Tasks[name]
	if !ok {
		return true
	}
	return now.Sub(state.LastRunTime) >= interval
}

// GetNextRunTime returns when the task should next run
func (m *StateManager) GetNextRunTime(name string, interval time.Duration, now time.Time) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Tasks[name]
	if !ok {
		return now
	}
	return state.LastRunTime.Add(interval)
}
