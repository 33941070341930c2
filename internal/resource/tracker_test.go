package resource

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndSampleCurrentProcess(t *testing.T) {
	tr := NewTracker(nil)
	pid := int32(os.Getpid())
	tr.Register("srv-1", pid, 0, func() int { return 3 })

	tr.sampleOne("srv-1")

	sample, ok := tr.Snapshot("srv-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", sample.ServerID)
	assert.Equal(t, 3, sample.QueueLength)
	assert.Greater(t, sample.MemoryBytes, uint64(0))
}

func TestCheckLimitsReportsViolation(t *testing.T) {
	tr := NewTracker(nil)
	pid := int32(os.Getpid())
	tr.Register("srv-2", pid, 1, nil) // 1 byte limit, certain to be exceeded

	tr.sampleOne("srv-2")

	report, violated := tr.CheckLimits("srv-2")
	require.True(t, violated)
	assert.Equal(t, "srv-2", report.ServerID)
	assert.Equal(t, uint64(1), report.LimitBytes)
}

func TestCheckLimitsFalseWhenNoLimitConfigured(t *testing.T) {
	tr := NewTracker(nil)
	pid := int32(os.Getpid())
	tr.Register("srv-3", pid, 0, nil)

	tr.sampleOne("srv-3")

	_, violated := tr.CheckLimits("srv-3")
	assert.False(t, violated)
}

func TestUnregisterRemovesSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("srv-4", int32(os.Getpid()), 0, nil)
	tr.sampleOne("srv-4")
	tr.Unregister("srv-4")

	_, ok := tr.Snapshot("srv-4")
	assert.False(t, ok)
}
