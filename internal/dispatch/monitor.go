package dispatch

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// monitorTurn records one completed loop turn for the live monitor.
type monitorTurn struct {
	Turn      int       `json:"turn"`
	Tools     []string  `json:"tools"`
	StartedAt time.Time `json:"started_at"`
}

type monitorState struct {
	State         string        `json:"state"`
	Contact       string        `json:"contact,omitempty"`
	Model         string        `json:"model,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	Turn          int           `json:"turn,omitempty"`
	TurnStartedAt time.Time     `json:"turn_started_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ToolsInFlight []string      `json:"tools_in_flight"`
	Turns         []monitorTurn `json:"turns"`
}

// Monitor mirrors the dispatcher's live state to a JSON file so an
// operator can watch a long agentic run from outside the process. Every
// write is atomic (temp then rename) and best-effort: a broken
// filesystem must never affect message handling.
type Monitor struct {
	path string

	mu    sync.Mutex
	state monitorState
}

// NewMonitor creates a monitor writing to path. An empty path disables
// all writes.
func NewMonitor(path string) *Monitor {
	return &Monitor{path: path}
}

// Thinking resets the monitor for a new work item.
func (m *Monitor) Thinking(contact, model, sessionID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = monitorState{
		State:         "thinking",
		Contact:       contact,
		Model:         model,
		SessionID:     sessionID,
		Turn:          1,
		TurnStartedAt: time.Now().UTC(),
		ToolsInFlight: []string{},
		Turns:         []monitorTurn{},
	}
	m.write()
}

// Tools marks the current turn as executing the named tools.
func (m *Monitor) Tools(names []string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.State = "tools"
	m.state.ToolsInFlight = append([]string{}, names...)
	m.write()
}

// NextTurn closes the current turn and returns to thinking.
func (m *Monitor) NextTurn() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Turns = append(m.state.Turns, monitorTurn{
		Turn:      m.state.Turn,
		Tools:     m.state.ToolsInFlight,
		StartedAt: m.state.TurnStartedAt,
	})
	m.state.Turn++
	m.state.TurnStartedAt = time.Now().UTC()
	m.state.State = "thinking"
	m.state.ToolsInFlight = []string{}
	m.write()
}

// Idle marks the dispatcher as between work items.
func (m *Monitor) Idle() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = monitorState{
		State:         "idle",
		ToolsInFlight: []string{},
		Turns:         []monitorTurn{},
	}
	m.write()
}

// write is called with the mutex held. Failures are swallowed.
func (m *Monitor) write() {
	if m.path == "" {
		return
	}
	m.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&m.state, "", "  ")
	if err != nil {
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
	}
}
