// Package state persists crash history across supervisor runs.
//
// The in-memory crash counter resets with every supervisor; this file is
// the only thing that remembers earlier runs.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/psantana5/crashguard/internal/report"
)

// MaxCrashRecords bounds the persisted history
const MaxCrashRecords = 100

const stateVersion = "1"

// CrashRecord is one persisted crash or anomalous exit
type CrashRecord struct {
	Time          time.Time     `json:"time"`
	SupervisorPID int           `json:"supervisor_pid"`
	Launch        int           `json:"launch"`
	PID           int           `json:"pid"`
	Reason        string        `json:"reason"`
	ExitCode      int           `json:"exit_code"`
	Signal        string        `json:"signal,omitempty"`
	CrashReason   string        `json:"crash_reason,omitempty"`
	Snapshot      string        `json:"snapshot,omitempty"`
	SnapshotError string        `json:"snapshot_error,omitempty"`
	Runtime       time.Duration `json:"runtime"`
}

// SupervisorState describes the most recent supervisor run
type SupervisorState struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// Statistics contains lifetime totals
type Statistics struct {
	SupervisorRuns int64 `json:"supervisor_runs"`
	Launches       int64 `json:"launches"`
	Crashes        int64 `json:"crashes"`
	AnomalousExits int64 `json:"anomalous_exits"`
}

// State is the persisted document
type State struct {
	Version    string          `json:"version"`
	Identity   string          `json:"identity"`
	Supervisor SupervisorState `json:"supervisor"`
	Crashes    []CrashRecord   `json:"crashes"`
	Statistics Statistics      `json:"statistics"`
}

// Manager handles persistence of the crash history
type Manager struct {
	path string
	mu   sync.RWMutex
	st   *State
}

// NewManager creates a manager for the file at path. Nothing is read until Load.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		st:   &State{Version: stateVersion},
	}
}

// Path of the state file
func (m *Manager) Path() string { return m.path }

// Load reads state from disk; a missing file starts fresh
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if len(st.Crashes) > MaxCrashRecords {
		st.Crashes = st.Crashes[len(st.Crashes)-MaxCrashRecords:]
	}
	m.st = &st
	return nil
}

// Save writes state to disk atomically
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.st, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to a temporary file first, then rename over the old one
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// RecordSupervisorStart marks the beginning of a supervisor run
func (m *Manager) RecordSupervisorStart(identity string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.Identity = identity
	m.st.Supervisor = SupervisorState{PID: pid, StartedAt: time.Now()}
	m.st.Statistics.SupervisorRuns++
}

// RecordSupervisorStop marks the end of the current supervisor run
func (m *Manager) RecordSupervisorStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Supervisor.StoppedAt = time.Now()
}

// RecordResult folds a finished launch into the lifetime totals; failures are
// appended to the history
func (m *Manager) RecordResult(r *report.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.Statistics.Launches++
	switch {
	case r.Crashed:
		m.st.Statistics.Crashes++
	case r.Reason.IsFailure():
		m.st.Statistics.AnomalousExits++
	default:
		return
	}

	m.st.Crashes = append(m.st.Crashes, CrashRecord{
		Time:          r.EndTime,
		SupervisorPID: m.st.Supervisor.PID,
		Launch:        r.Launch,
		PID:           r.PID,
		Reason:        string(r.Reason),
		ExitCode:      r.ExitCode,
		Signal:        r.Signal,
		CrashReason:   r.CrashReason,
		Snapshot:      r.Snapshot,
		SnapshotError: r.SnapshotError,
		Runtime:       r.Duration,
	})
	if len(m.st.Crashes) > MaxCrashRecords {
		m.st.Crashes = m.st.Crashes[len(m.st.Crashes)-MaxCrashRecords:]
	}
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := *m.st
	st.Crashes = append([]CrashRecord(nil), m.st.Crashes...)
	return st
}
