package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemStatusTracksWorkflows(t *testing.T) {
	s := newSystemStatus()

	s.track("wf-1", RolePlanning, "plan a trip")
	time.Sleep(time.Millisecond)
	s.track("wf-2", RoleAwaiting, "email.send")
	time.Sleep(time.Millisecond)
	s.track("wf-3", RolePlanning, "find a restaurant")

	snap := s.snapshot()
	assert.Equal(t, 2, snap.Counts[RolePlanning])
	assert.Equal(t, 1, snap.Counts[RoleAwaiting])
	assert.Equal(t, "find a restaurant", snap.Latest)

	s.track("wf-2", RoleExecuting, "email.send")
	s.track("wf-3", RoleIdle, "")
	snap = s.snapshot()
	assert.Equal(t, 1, snap.Counts[RolePlanning])
	assert.Equal(t, 0, snap.Counts[RoleAwaiting])
	assert.Equal(t, 1, snap.Counts[RoleExecuting])
	assert.Equal(t, RoleExecuting, snap.LatestRole)
}

func TestSystemStatusIdle(t *testing.T) {
	snap := newSystemStatus().snapshot()
	assert.Equal(t, RoleIdle, snap.LatestRole)
	assert.Empty(t, snap.Latest)
	assert.Empty(t, snap.Counts)
}
