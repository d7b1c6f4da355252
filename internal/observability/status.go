package observability

import (
	"sync"
	"time"
)

// Role is what a workflow is doing right now.
type Role string

const (
	RoleIdle      Role = "IDLE"
	RolePlanning  Role = "PLANNING"
	RoleAwaiting  Role = "AWAITING"
	RoleExecuting Role = "EXECUTING"
)

type activity struct {
	role  Role
	task  string
	since time.Time
}

// SystemStatus is the process-wide activity shown on the live status line.
// Workflows of different sessions run concurrently, so activity is kept per
// workflow.
type SystemStatus struct {
	mu            sync.RWMutex
	active        map[string]activity
	LastHeartbeat time.Time
}

var globalStatus = newSystemStatus()

func newSystemStatus() *SystemStatus {
	return &SystemStatus{
		active:        make(map[string]activity),
		LastHeartbeat: time.Now(),
	}
}

// Snapshot is a point-in-time copy of SystemStatus.
type Snapshot struct {
	Counts map[Role]int
	// Latest is the most recently updated activity.
	Latest        string
	LatestRole    Role
	LastHeartbeat time.Time
}

func (s *SystemStatus) track(workflowID string, role Role, task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleIdle {
		delete(s.active, workflowID)
		return
	}
	s.active[workflowID] = activity{role: role, task: task, since: time.Now()}
}

func (s *SystemStatus) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Counts: make(map[Role]int), LatestRole: RoleIdle, LastHeartbeat: s.LastHeartbeat}
	var latest time.Time
	for _, a := range s.active {
		snap.Counts[a.role]++
		if a.since.After(latest) {
			latest = a.since
			snap.Latest, snap.LatestRole = a.task, a.role
		}
	}
	return snap
}

// Track records what a workflow is doing. RoleIdle forgets it.
func Track(workflowID string, role Role, task string) {
	globalStatus.track(workflowID, role, task)
}

// Untrack forgets a finished workflow.
func Untrack(workflowID string) {
	globalStatus.track(workflowID, RoleIdle, "")
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() Snapshot {
	return globalStatus.snapshot()
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
