// ============================================================================
// Jobserver Job & Setup Workers
// ============================================================================
//
// Package: internal/runner
// File: runner.go
// Purpose: The per-job and per-setup-task worker lifecycles (C6, C7): copy
// state out of the registry, materialize the command, spawn the runner
// child, race its completion against cancellation, record terminal status,
// and release the machine.
//
// One goroutine per job/setup task is launched directly by the scheduler,
// rather than pulled from a fixed pool — exactly one live worker per
// Running entity, not a bounded pool.
//
// ============================================================================

// Package runner executes jobs and setup tasks against remote machines.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/keybase/go-ps"

	"github.com/hollow-creek/jobserver/internal/registry"
	"github.com/hollow-creek/jobserver/internal/templater"
	"github.com/hollow-creek/jobserver/internal/types"
)

var log = slog.Default()

const resultsPrefix = "RESULTS: "

// Config configures how commands are spawned and where artifacts land.
type Config struct {
	// RunnerPath is the path to the runner binary. Its containing
	// directory becomes the spawned child's working directory.
	RunnerPath string
	// LogDir is where stdout/stderr capture files are written.
	LogDir string
	// RemoteCopyTool is the external binary invoked to pull results (scp).
	RemoteCopyTool string
}

// commandOutcome is runCommand's three-way result, mirrored from the
// specification's Ok(Some(path)) / Ok(None) / Err(e).
type commandOutcome struct {
	resultsPath *string
	err         error
}

// RunJob implements the job worker (C6). It is launched by the scheduler as
// its own goroutine and takes ownership of cancel: exactly one worker per
// Running job, per invariant 3.
func RunJob(reg *registry.Registry, cfg Config, jid types.JobID, cancel <-chan struct{}) {
	cmd, machine, cpResults, vars, ok := reg.JobSnapshot(jid)
	if !ok {
		log.Info("job worker: job gone or not running at start", "jid", jid)
		return
	}

	select {
	case <-cancel:
		log.Info("job worker: cancelled before start", "jid", jid)
		return
	default:
	}

	start := time.Now()
	outcome := runCommand(cfg, machine, cmd, vars, cancel)

	var status types.Status
	switch {
	case outcome.err != nil:
		status = types.Failed(machine, outcome.err.Error())
	default:
		status = types.Done(machine, outcome.resultsPath)
	}

	if reg.SetJobStatus(jid, status) {
		log.Info("job worker: terminal status recorded", "jid", jid, "status", status.Kind, "elapsed", time.Since(start))
	} else {
		log.Info("job worker: job removed before terminal status could be written (cancelled)", "jid", jid)
	}

	if outcome.err == nil && outcome.resultsPath != nil && cpResults != nil {
		copyResults(cfg, machine, *outcome.resultsPath, *cpResults)
	}

	reg.ReleaseMachine(machine)
}

// RunSetupTask implements the setup worker (C7): run each command in order
// on the task's fixed machine, advancing current_cmd, promoting the machine
// into a class on success.
func RunSetupTask(reg *registry.Registry, cfg Config, jid types.JobID, cancel <-chan struct{}) {
	machine, cmds, class, status, ok := reg.SetupTaskSnapshot(jid)
	if !ok || status.Kind != types.StatusRunning {
		log.Info("setup worker: task gone or not running at start", "jid", jid)
		return
	}

	// Setup tasks re-snapshot variables at run start rather than using their
	// creation-time snapshot, unlike jobs. Preserved as observed.
	vars := reg.ListVars()

	for idx, cmd := range cmds {
		select {
		case <-cancel:
			log.Info("setup worker: cancelled", "jid", jid, "cmd_index", idx)
			return
		default:
		}

		reg.SetSetupCurrentCmd(jid, idx)

		outcome := runCommand(cfg, machine, cmd, vars, cancel)
		if outcome.resultsPath != nil {
			log.Info("setup worker: command emitted a results line, ignored", "jid", jid, "cmd_index", idx, "path", *outcome.resultsPath)
		}

		if outcome.err != nil {
			if reg.SetSetupTaskStatus(jid, types.Failed(machine, outcome.err.Error())) {
				log.Info("setup worker: failed", "jid", jid, "cmd_index", idx, "err", outcome.err)
			}
			return
		}
	}

	if !reg.SetSetupTaskStatus(jid, types.Done(machine, nil)) {
		log.Info("setup worker: task removed before it could be marked done (cancelled)", "jid", jid)
		return
	}

	if class != nil {
		reg.PromoteMachine(machine, *class)
	}
}

// runCommand applies variable and machine substitution, spawns the runner
// child, and races its completion against cancellation. See the
// specification's §4.5 algorithm for the exact sequencing.
func runCommand(cfg Config, machine, cmdTemplate string, vars map[string]string, cancel <-chan struct{}) commandOutcome {
	substituted := templater.ReplaceVars(cmdTemplate, vars)
	substituted = templater.ReplaceMachine(substituted, machine)

	base := templater.PathSanitize(substituted)
	stdoutPath := filepath.Join(cfg.LogDir, base)
	stderrPath := filepath.Join(cfg.LogDir, base+".err")

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return commandOutcome{err: fmt.Errorf("opening stdout log: %w", err)}
	}
	defer stdoutFile.Close()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return commandOutcome{err: fmt.Errorf("opening stderr log: %w", err)}
	}
	defer stderrFile.Close()

	args := append([]string{"run", "--", "--print_results_path"}, strings.Fields(substituted)...)
	child := exec.Command(cfg.RunnerPath, args...)
	if dir := filepath.Dir(cfg.RunnerPath); dir != "." {
		child.Dir = dir
	}
	child.Stderr = stderrFile

	stdout, err := child.StdoutPipe()
	if err != nil {
		return commandOutcome{err: fmt.Errorf("attaching stdout pipe: %w", err)}
	}

	if err := child.Start(); err != nil {
		return commandOutcome{err: fmt.Errorf("spawning runner: %w", err)}
	}

	type scanResult struct {
		resultsPath *string
	}
	done := make(chan scanResult, 1)

	go func() {
		var resultsPath *string
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(stdoutFile, line)
			if strings.HasPrefix(line, resultsPrefix) {
				p := line[len(resultsPrefix):]
				resultsPath = &p
			}
		}
		done <- scanResult{resultsPath: resultsPath}
	}()

	select {
	case result := <-done:
		if err := child.Wait(); err != nil {
			return commandOutcome{err: fmt.Errorf("job failed")}
		}
		return commandOutcome{resultsPath: result.resultsPath}

	case <-cancel:
		if child.Process != nil {
			_ = child.Process.Signal(syscall.SIGKILL)
			waitForExit(child.Process.Pid)
		}
		_ = child.Wait()
		return commandOutcome{err: fmt.Errorf("job was cancelled")}
	}
}

// waitForExit polls process liveness after a SIGKILL, using go-ps since
// os.Process offers no portable "has it actually exited" check outside of
// Wait (which we still call, but want to bound how long we trust the kill).
func waitForExit(pid int) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		proc, err := ps.FindProcess(pid)
		if err != nil || proc == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Warn("process still visible after SIGKILL deadline", "pid", pid)
}

// copyResults invokes the external remote-copy tool to pull a successful
// job's results artifact to the configured local destination. Failures are
// logged only, per the specification's Copy error category.
func copyResults(cfg Config, machine, resultsPath, dest string) {
	host := machine
	if idx := strings.IndexByte(machine, ':'); idx >= 0 {
		host = machine[:idx]
	}

	source := fmt.Sprintf("%s:vm_shared/results/%s", host, resultsPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.RemoteCopyTool, source, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error("remote copy failed", "source", source, "dest", dest, "err", err, "stderr", stderr.String())
	}
}
