package process

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleeper(t *testing.T, seconds string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", seconds)
	require.NoError(t, cmd.Start())
	return cmd
}

func TestRegisterRejectsUnstartedProcess(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := exec.Command("sleep", "1")

	_, err := m.Register("wo-1", "run-1", cmd)

	assert.ErrorIs(t, err, ErrNoPid)
}

func TestRegisterTracksActiveProcess(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := startSleeper(t, "5")
	defer cmd.Process.Kill()

	tp, err := m.Register("wo-1", "run-1", cmd)

	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, tp.Pid)
	assert.True(t, m.HasActiveProcess("wo-1"))
	assert.Equal(t, 1, m.GetActiveCount())
}

// TestGracefulKillSucceeds covers the graceful path: a process that
// respects SIGTERM exits within the grace period and ForcedKill is false.
func TestGracefulKillSucceeds(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := startSleeper(t, "30")

	tp, err := m.Register("wo-1", "run-1", cmd)
	require.NoError(t, err)

	result, err := m.Kill("wo-1", KillOptions{GracePeriod: 2 * time.Second})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.ForcedKill)

	assert.Eventually(t, tp.HasExited, 2*time.Second, 10*time.Millisecond)
}

// TestKillEscalatesToForce verifies that a process that ignores SIGTERM
// is force-killed once the grace period elapses.
func TestKillEscalatesToForce(t *testing.T) {
	m := NewManager(nil, nil)
	// trap SIGTERM and ignore it, forcing the manager to escalate.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	require.NoError(t, cmd.Start())

	_, err := m.Register("wo-1", "run-1", cmd)
	require.NoError(t, err)

	result, err := m.Kill("wo-1", KillOptions{GracePeriod: 200 * time.Millisecond})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.ForcedKill)
}

// TestKillIsIdempotent covers the "kill idempotence" invariant: calling
// Kill twice on the same work order never errors or double-signals badly.
func TestKillIsIdempotent(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := startSleeper(t, "30")
	_, err := m.Register("wo-1", "run-1", cmd)
	require.NoError(t, err)

	first, err := m.Kill("wo-1", KillOptions{GracePeriod: time.Second})
	require.NoError(t, err)
	assert.True(t, first.Success)

	second, err := m.Kill("wo-1", KillOptions{GracePeriod: time.Second})
	require.NoError(t, err)
	assert.True(t, second.Success)
}

func TestKillUnknownWorkOrderReturnsNotFound(t *testing.T) {
	m := NewManager(nil, nil)

	_, err := m.Kill("missing", KillOptions{})

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKillAllKillsEveryTrackedProcess(t *testing.T) {
	m := NewManager(nil, nil)
	cmd1 := startSleeper(t, "30")
	cmd2 := startSleeper(t, "30")
	_, err := m.Register("wo-1", "run-1", cmd1)
	require.NoError(t, err)
	_, err = m.Register("wo-2", "run-2", cmd2)
	require.NoError(t, err)

	results := m.KillAll(KillOptions{GracePeriod: time.Second})

	require.Len(t, results, 2)
	assert.True(t, results["wo-1"].Success)
	assert.True(t, results["wo-2"].Success)
}

func TestExitRecordsCodeForNormalExit(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())

	tp, err := m.Register("wo-1", "run-1", cmd)
	require.NoError(t, err)

	assert.Eventually(t, tp.HasExited, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tp.ExitCode())
}

func TestExitRecordsNonZeroCode(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := exec.Command("sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())

	tp, err := m.Register("wo-1", "run-1", cmd)
	require.NoError(t, err)

	assert.Eventually(t, tp.HasExited, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, tp.ExitCode())
}

func TestMonitorStartStopIsIdempotent(t *testing.T) {
	m := NewManager(nil, nil)

	m.StartMonitoring(10*time.Millisecond, 0)
	m.StartMonitoring(10*time.Millisecond, 0) // second call is a no-op
	time.Sleep(30 * time.Millisecond)
	m.StopMonitoring()
	m.StopMonitoring() // second call is also a no-op
}

func TestSweepPrunesExitedProcesses(t *testing.T) {
	m := NewManager(nil, nil)
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	tp, err := m.Register("wo-1", "run-1", cmd)
	require.NoError(t, err)

	assert.Eventually(t, tp.HasExited, time.Second, 5*time.Millisecond)

	m.sweep(0)

	assert.Equal(t, 0, len(m.GetAllProcesses()))
}
