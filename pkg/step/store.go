package step

import (
	"sync"
	"time"

	"github.com/devicelab-dev/stepflow/pkg/core"
)

// StateStore receives run lifecycle transitions.
type StateStore interface {
	StartStep(id RunID, tag string, data interface{})
	CompleteStep(id RunID)
	SetError(id RunID, payload string)
}

// State is a snapshot of the most recent run.
type State struct {
	Status    core.RunStatus `json:"status"`
	RunID     RunID          `json:"runId,omitempty"`
	Tag       string         `json:"tag,omitempty"`
	Data      interface{}    `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// MemoryStore keeps the state of the latest run in memory. Transitions
// reported by a superseded run are ignored.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryStore creates an idle store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// StartStep marks a new run as running and clears any previous error.
func (m *MemoryStore) StartStep(id RunID, tag string, data interface{}) {
	now := time.Now()
	m.mu.Lock()
	m.state = State{
		Status:    core.StatusRunning,
		RunID:     id,
		Tag:       tag,
		Data:      data,
		StartedAt: now,
		UpdatedAt: now,
	}
	m.mu.Unlock()
}

// CompleteStep marks run id as completed.
func (m *MemoryStore) CompleteStep(id RunID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.RunID != id {
		return
	}
	m.state.Status = core.StatusCompleted
	m.state.UpdatedAt = time.Now()
}

// SetError marks run id as failed with payload.
func (m *MemoryStore) SetError(id RunID, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.RunID != id {
		return
	}
	m.state.Status = core.StatusError
	m.state.Error = payload
	m.state.UpdatedAt = time.Now()
}

// Reset returns the store to idle.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	m.state = State{}
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *MemoryStore) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

type nopStore struct{}

func (nopStore) StartStep(RunID, string, interface{}) {}
func (nopStore) CompleteStep(RunID)                   {}
func (nopStore) SetError(RunID, string)               {}
