package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollow-creek/jobserver/internal/registry"
	"github.com/hollow-creek/jobserver/internal/runner"
	"github.com/hollow-creek/jobserver/internal/types"
)

func writeFakeRunner(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-runner.sh")
	script := "#!/bin/sh\n" +
		"if [ -n \"$FAKE_RUNNER_SLEEP\" ]; then sleep \"$FAKE_RUNNER_SLEEP\"; fi\n" +
		"exit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake runner: %v", err)
	}
	return path
}

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	cfg := runner.Config{
		RunnerPath:     writeFakeRunner(t),
		LogDir:         t.TempDir(),
		RemoteCopyTool: "true",
	}
	return New(reg, cfg, 20*time.Millisecond, nil), reg
}

func TestSchedulerDispatchesOneJobPerTick(t *testing.T) {
	s, reg := newTestScheduler(t)

	reg.MakeAvailable("h1:22", "alpha")
	reg.MakeAvailable("h2:22", "alpha")
	j1 := reg.AddJob("alpha", "echo hi", nil)
	j2 := reg.AddJob("alpha", "echo hi", nil)

	s.tick()

	v1, _ := reg.JobStatus(j1)
	v2, _ := reg.JobStatus(j2)
	running := 0
	if v1.Status.Kind == types.StatusRunning {
		running++
	}
	if v2.Status.Kind == types.StatusRunning {
		running++
	}
	if running != 1 {
		t.Errorf("expected exactly one job running after one tick, got %d", running)
	}

	s.tick()
	v1, _ = reg.JobStatus(j1)
	v2, _ = reg.JobStatus(j2)
	if v1.Status.Kind != types.StatusRunning || v2.Status.Kind != types.StatusRunning {
		t.Errorf("expected both jobs running after two ticks: %v %v", v1.Status.Kind, v2.Status.Kind)
	}
}

func TestSchedulerDispatchesAllSetupTasksInOneTick(t *testing.T) {
	s, reg := newTestScheduler(t)

	s1 := reg.SetUpMachine("h1:22", []string{"cmd"}, nil)
	s2 := reg.SetUpMachine("h2:22", []string{"cmd"}, nil)

	s.tick()

	v1, _ := reg.JobStatus(s1)
	v2, _ := reg.JobStatus(s2)
	if v1.Status.Kind != types.StatusRunning || v2.Status.Kind != types.StatusRunning {
		t.Errorf("expected both setup tasks running after one tick: %v %v", v1.Status.Kind, v2.Status.Kind)
	}
}

func TestSchedulerReapsOneCancelledJobPerTick(t *testing.T) {
	s, reg := newTestScheduler(t)

	j1 := reg.AddJob("alpha", "echo hi", nil)
	j2 := reg.AddJob("alpha", "echo hi", nil)
	reg.CancelJob(j1)
	reg.CancelJob(j2)

	s.tick()

	_, found1 := reg.JobStatus(j1)
	_, found2 := reg.JobStatus(j2)
	remaining := 0
	if found1 {
		remaining++
	}
	if found2 {
		remaining++
	}
	if remaining != 1 {
		t.Errorf("expected exactly one cancelled job to remain after one tick, got %d", remaining)
	}
}

func TestSchedulerCancelSignalStopsRunningWorker(t *testing.T) {
	t.Setenv("FAKE_RUNNER_SLEEP", "60")
	s, reg := newTestScheduler(t)
	reg.MakeAvailable("h1:22", "alpha")
	jid := reg.AddJob("alpha", "echo hi", nil)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go s.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, _ := reg.JobStatus(jid)
		if v.Status.Kind == types.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	reg.CancelJob(jid)

	reaped := false
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, found := reg.JobStatus(jid); !found {
			reaped = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !reaped {
		t.Fatal("cancelled job was never reaped")
	}

	// The signalled worker kills its child and releases the machine.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if idle, _, _ := reg.Stats(); idle == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never stopped and released its machine after the cancel signal")
}
