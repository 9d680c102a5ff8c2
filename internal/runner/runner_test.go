package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollow-creek/jobserver/internal/registry"
	"github.com/hollow-creek/jobserver/internal/types"
)

// writeFakeRunner writes a shell script standing in for the external runner
// binary: if told to via $FAKE_RUNNER_RESULT, it prints a RESULTS: line,
// sleeps for $FAKE_RUNNER_SLEEP seconds if set, then exits with
// $FAKE_RUNNER_EXIT.
func writeFakeRunner(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-runner.sh")
	script := "#!/bin/sh\n" +
		"if [ -n \"$FAKE_RUNNER_RESULT\" ]; then echo \"RESULTS: $FAKE_RUNNER_RESULT\"; fi\n" +
		"if [ -n \"$FAKE_RUNNER_SLEEP\" ]; then sleep \"$FAKE_RUNNER_SLEEP\"; fi\n" +
		"exit \"${FAKE_RUNNER_EXIT:-0}\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testConfig(t *testing.T, runnerPath string) Config {
	t.Helper()
	return Config{
		RunnerPath:     runnerPath,
		LogDir:         t.TempDir(),
		RemoteCopyTool: "true",
	}
}

func TestRunJobSuccessNoResults(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	t.Setenv("FAKE_RUNNER_EXIT", "0")

	reg := registry.New()
	reg.MakeAvailable("h1:22", "alpha")
	jid := reg.AddJob("alpha", "echo hi", nil)
	_, _, ok := reg.DispatchOneJob()
	require.True(t, ok)

	cancel := make(chan struct{})
	RunJob(reg, testConfig(t, runnerPath), jid, cancel)

	view, found := reg.JobStatus(jid)
	require.True(t, found)
	assert.Equal(t, types.StatusDone, view.Status.Kind)
	assert.Nil(t, view.Status.Output)

	avail := reg.ListAvailable()
	assert.Equal(t, "alpha", avail["h1:22"])
}

func TestRunJobCapturesResultsPath(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	t.Setenv("FAKE_RUNNER_RESULT", "run42.tgz")
	t.Setenv("FAKE_RUNNER_EXIT", "0")

	reg := registry.New()
	reg.MakeAvailable("h1:22", "alpha")
	jid := reg.AddJob("alpha", "echo hi", nil)
	reg.DispatchOneJob()

	RunJob(reg, testConfig(t, runnerPath), jid, make(chan struct{}))

	view, _ := reg.JobStatus(jid)
	require.Equal(t, types.StatusDone, view.Status.Kind)
	require.NotNil(t, view.Status.Output)
	assert.Equal(t, "run42.tgz", *view.Status.Output)
}

func TestRunJobNonZeroExitFails(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	t.Setenv("FAKE_RUNNER_EXIT", "1")

	reg := registry.New()
	reg.MakeAvailable("h1:22", "alpha")
	jid := reg.AddJob("alpha", "echo hi", nil)
	reg.DispatchOneJob()

	RunJob(reg, testConfig(t, runnerPath), jid, make(chan struct{}))

	view, _ := reg.JobStatus(jid)
	assert.Equal(t, types.StatusFailed, view.Status.Kind)
	assert.NotEmpty(t, view.Status.Error)
}

func TestRunJobCancellationKillsChildAndReleasesMachine(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	t.Setenv("FAKE_RUNNER_SLEEP", "60")

	reg := registry.New()
	reg.MakeAvailable("h1:22", "alpha")
	jid := reg.AddJob("alpha", "echo hi", nil)
	reg.DispatchOneJob()

	cancel := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		RunJob(reg, testConfig(t, runnerPath), jid, cancel)
		close(finished)
	}()

	time.Sleep(100 * time.Millisecond)
	close(cancel)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("job worker did not return after cancellation")
	}

	avail := reg.ListAvailable()
	assert.Equal(t, "alpha", avail["h1:22"])

	idle, busy, _ := reg.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, busy)
}

func TestRunJobMissingFromRegistryExitsQuietly(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	reg := registry.New()

	// jid was never created: JobSnapshot should report not-ok and RunJob
	// must return without panicking.
	RunJob(reg, testConfig(t, runnerPath), types.JobID(999), make(chan struct{}))
}

func TestRunSetupTaskRunsCommandsInOrderAndPromotes(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	t.Setenv("FAKE_RUNNER_EXIT", "0")

	reg := registry.New()
	class := "promoted"
	jid := reg.SetUpMachine("h1:22", []string{"step-one", "step-two"}, &class)
	reg.DispatchWaitingSetupTasks()

	RunSetupTask(reg, testConfig(t, runnerPath), jid, make(chan struct{}))

	view, found := reg.JobStatus(jid)
	require.True(t, found)
	assert.Equal(t, types.StatusDone, view.Status.Kind)
	assert.Equal(t, "step-two", view.Cmd)

	avail := reg.ListAvailable()
	assert.Equal(t, "promoted", avail["h1:22"])
}

func TestRunSetupTaskFailureStopsSequence(t *testing.T) {
	runnerPath := writeFakeRunner(t, t.TempDir())
	t.Setenv("FAKE_RUNNER_EXIT", "1")

	reg := registry.New()
	jid := reg.SetUpMachine("h1:22", []string{"step-one", "step-two"}, nil)
	reg.DispatchWaitingSetupTasks()

	RunSetupTask(reg, testConfig(t, runnerPath), jid, make(chan struct{}))

	view, found := reg.JobStatus(jid)
	require.True(t, found)
	assert.Equal(t, types.StatusFailed, view.Status.Kind)
	assert.Equal(t, "step-one", view.Cmd)

	// No class to promote into was reached; machine never registered.
	avail := reg.ListAvailable()
	assert.Empty(t, avail)
}
