// ============================================================================
// Jobserver Registry — Shared Mutable State
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: The concurrent in-memory stores for machines, variables, jobs,
// setup tasks, and matrices, plus the id counter that allocates across all
// three entity kinds.
//
// Locking discipline:
//
//	Five independent locks. When more than one is held at once, they are
//	always acquired in this strict order:
//
//	    machines -> jobs -> setup_tasks -> matrices
//
//	Variables has its own lock, always taken alone (it never locks back —
//	safe, since it is a leaf). Violating the acquire order is a bug: the
//	rest of the server (and the tests in registry_test.go) assume it holds.
//
// Ownership:
//
//	The registry exclusively owns all entities. Callers operate on copies of
//	what they need (a Snapshot* method) to avoid holding a registry lock
//	across a process spawn or other blocking I/O. Status writes re-acquire
//	the relevant lock.
//
// ============================================================================

// Package registry implements the jobserver's shared mutable state.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hollow-creek/jobserver/internal/templater"
	"github.com/hollow-creek/jobserver/internal/types"
)

var log = slog.Default()

// Registry is the server's shared mutable state.
type Registry struct {
	machinesMu sync.Mutex
	machines   map[string]*types.Machine

	jobsMu sync.Mutex
	jobs   map[types.JobID]*types.Job

	setupMu    sync.Mutex
	setupTasks map[types.JobID]*types.SetupTask

	matricesMu sync.Mutex
	matrices   map[types.JobID]*types.Matrix

	varsMu    sync.Mutex
	variables map[string]string

	nextID atomic.Uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		machines:   make(map[string]*types.Machine),
		jobs:       make(map[types.JobID]*types.Job),
		setupTasks: make(map[types.JobID]*types.SetupTask),
		matrices:   make(map[types.JobID]*types.Matrix),
		variables:  make(map[string]string),
	}
}

// allocateID issues the next id. Lock-free: a single atomic counter shared
// by jobs, setup tasks, and matrices.
func (r *Registry) allocateID() types.JobID {
	return types.JobID(r.nextID.Add(1) - 1)
}

// ============================================================================
// Machines
// ============================================================================

// MakeAvailable idempotently upserts a machine. If the address was already
// present, its Running id carries over to the new entry (so a live job
// retains its machine binding), and a warning is logged.
func (r *Registry) MakeAvailable(addr, class string) {
	r.machinesMu.Lock()
	defer r.machinesMu.Unlock()

	var running *types.JobID
	if old, exists := r.machines[addr]; exists {
		running = old.Running
		log.Warn("re-registering machine, carrying over running job",
			"addr", addr, "old_class", old.Class, "new_class", class, "running", running)
	}

	r.machines[addr] = &types.Machine{Addr: addr, Class: class, Running: running}
}

// RemoveAvailable removes a machine. If it had a running job, that job is
// cancelled (the job record is marked Cancelled; the scheduler evicts and
// signals it on a later tick). Returns false if the machine was unknown.
//
// Note (preserved from the specification): a machine busy with a setup task
// has no Running job id set — only job scheduling sets it — so removing a
// machine mid-setup does not cancel the setup task. This mirrors the
// original server's behavior and is flagged, not fixed.
func (r *Registry) RemoveAvailable(addr string) bool {
	r.machinesMu.Lock()
	m, exists := r.machines[addr]
	if !exists {
		r.machinesMu.Unlock()
		return false
	}
	delete(r.machines, addr)
	running := m.Running
	r.machinesMu.Unlock()

	log.Info("removed machine", "addr", addr, "class", m.Class)

	if running != nil {
		r.CancelJob(*running)
	}
	return true
}

// ListAvailable returns a snapshot mapping addr -> class.
func (r *Registry) ListAvailable() map[string]string {
	r.machinesMu.Lock()
	defer r.machinesMu.Unlock()

	out := make(map[string]string, len(r.machines))
	for addr, m := range r.machines {
		out[addr] = m.Class
	}
	return out
}

// ReleaseMachine clears a machine's Running id, making it idle again. If the
// machine no longer exists, the release is logged and otherwise ignored.
func (r *Registry) ReleaseMachine(addr string) {
	r.machinesMu.Lock()
	defer r.machinesMu.Unlock()

	m, exists := r.machines[addr]
	if !exists {
		log.Error("unable to release machine: not found", "addr", addr)
		return
	}
	m.Running = nil
}

// ============================================================================
// Variables
// ============================================================================

// SetVar overwrites a variable's value. Logs the prior value, if any.
func (r *Registry) SetVar(name, value string) {
	r.varsMu.Lock()
	defer r.varsMu.Unlock()

	old, hadOld := r.variables[name]
	r.variables[name] = value

	if hadOld {
		log.Info("variable overwritten", "name", name, "old_value", old, "new_value", value)
	} else {
		log.Info("variable set", "name", name, "value", value)
	}
}

// ListVars returns a snapshot of the variable map.
func (r *Registry) ListVars() map[string]string {
	return r.snapshotVars()
}

// snapshotVars takes the variables lock alone and deep-copies the map. This
// is also used internally whenever a job, setup task, or matrix is created,
// so creation-time snapshots are isolated from later SetVar calls.
func (r *Registry) snapshotVars() map[string]string {
	r.varsMu.Lock()
	defer r.varsMu.Unlock()

	out := make(map[string]string, len(r.variables))
	for k, v := range r.variables {
		out[k] = v
	}
	return out
}

// ============================================================================
// Jobs
// ============================================================================

// AddJob allocates an id and stores a new Waiting job, snapshotting the
// current variable map.
func (r *Registry) AddJob(class, cmd string, cpResults *string) types.JobID {
	jid := r.allocateID()
	vars := r.snapshotVars()

	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	r.jobs[jid] = &types.Job{
		JID:       jid,
		Cmd:       cmd,
		Class:     class,
		CPResults: cpResults,
		Status:    types.Waiting(),
		Variables: vars,
	}

	log.Info("added job", "jid", jid, "class", class, "cmd", cmd)
	return jid
}

// CloneJob copies an existing job verbatim (cmd, class, cp_results,
// variables snapshot) as a new Waiting job with a fresh id. Not applicable
// to setup tasks: ok is false if jid does not name a job.
func (r *Registry) CloneJob(jid types.JobID) (newJID types.JobID, ok bool) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	job, exists := r.jobs[jid]
	if !exists {
		return 0, false
	}

	newJID = r.allocateID()
	vars := make(map[string]string, len(job.Variables))
	for k, v := range job.Variables {
		vars[k] = v
	}

	r.jobs[newJID] = &types.Job{
		JID:       newJID,
		Cmd:       job.Cmd,
		Class:     job.Class,
		CPResults: job.CPResults,
		Status:    types.Waiting(),
		Variables: vars,
	}

	log.Info("cloned job", "from", jid, "to", newJID)
	return newJID, true
}

// JobSnapshot copies out everything a job worker needs to run without
// holding the jobs lock across the spawn: (cmd, machine, cp_results,
// variables). ok is false if the job is gone or not Running.
func (r *Registry) JobSnapshot(jid types.JobID) (cmd, machine string, cpResults *string, vars map[string]string, ok bool) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	job, exists := r.jobs[jid]
	if !exists || job.Status.Kind != types.StatusRunning {
		return "", "", nil, nil, false
	}

	return job.Cmd, job.Status.Machine, job.CPResults, job.Variables, true
}

// SetJobStatus writes a job's terminal (or any) status, if the job still
// exists. Returns false if it has already been removed (e.g. by the
// cancellation reap), in which case the caller does nothing further.
func (r *Registry) SetJobStatus(jid types.JobID, status types.Status) bool {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	job, exists := r.jobs[jid]
	if !exists {
		return false
	}
	job.Status = status
	return true
}

// ============================================================================
// Setup tasks
// ============================================================================

// SetUpMachine allocates a new id and stores a Waiting setup task with
// CurrentCmd=0, snapshotting the current variable map at creation time (this
// snapshot is only reported by JobStatus, not used at run — runner.RunSetupTask
// re-reads ListVars when it starts).
func (r *Registry) SetUpMachine(addr string, cmds []string, class *string) types.JobID {
	jid := r.allocateID()
	vars := r.snapshotVars()

	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	r.setupTasks[jid] = &types.SetupTask{
		JID:        jid,
		Machine:    addr,
		Cmds:       cmds,
		CurrentCmd: 0,
		Class:      class,
		Status:     types.Waiting(),
		Variables:  vars,
	}

	log.Info("created setup task", "jid", jid, "addr", addr, "cmds", cmds)
	return jid
}

// SetupTaskSnapshot copies out a setup task's immutable fields (machine,
// cmds, class) plus its current status. ok is false if the task is gone.
func (r *Registry) SetupTaskSnapshot(jid types.JobID) (machine string, cmds []string, class *string, status types.Status, ok bool) {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	task, exists := r.setupTasks[jid]
	if !exists {
		return "", nil, nil, types.Status{}, false
	}
	return task.Machine, task.Cmds, task.Class, task.Status, true
}

// SetSetupCurrentCmd advances the cursor under the setup_tasks lock. Returns
// false if the task is gone (e.g. cancelled and reaped mid-run).
func (r *Registry) SetSetupCurrentCmd(jid types.JobID, idx int) bool {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	task, exists := r.setupTasks[jid]
	if !exists {
		return false
	}
	task.CurrentCmd = idx
	return true
}

// SetSetupTaskStatus writes a setup task's status, if it still exists.
func (r *Registry) SetSetupTaskStatus(jid types.JobID, status types.Status) bool {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	task, exists := r.setupTasks[jid]
	if !exists {
		return false
	}
	task.Status = status
	return true
}

// PromoteMachine upserts the machine into class after a setup task completes
// successfully, with the same idempotent carry-over semantics as
// MakeAvailable.
func (r *Registry) PromoteMachine(addr, class string) {
	r.MakeAvailable(addr, class)
}

// ============================================================================
// Jobs + setup tasks: shared operations
// ============================================================================

// ListJobs returns the ids of all jobs plus all setup tasks, in one flat
// list. Ordering is unspecified; clients sort.
func (r *Registry) ListJobs() []types.JobID {
	r.jobsMu.Lock()
	ids := make([]types.JobID, 0, len(r.jobs))
	for jid := range r.jobs {
		ids = append(ids, jid)
	}
	r.jobsMu.Unlock()

	r.setupMu.Lock()
	for jid := range r.setupTasks {
		ids = append(ids, jid)
	}
	r.setupMu.Unlock()

	return ids
}

// Stats reports point-in-time counts for the metrics gauges: idle and busy
// machines, plus jobs still in Waiting.
func (r *Registry) Stats() (idleMachines, busyMachines, waitingJobs int) {
	r.machinesMu.Lock()
	for _, m := range r.machines {
		if m.IsIdle() {
			idleMachines++
		} else {
			busyMachines++
		}
	}
	r.machinesMu.Unlock()

	r.jobsMu.Lock()
	for _, j := range r.jobs {
		if j.Status.Kind == types.StatusWaiting {
			waitingJobs++
		}
	}
	r.jobsMu.Unlock()

	return idleMachines, busyMachines, waitingJobs
}

// CancelResult identifies which compartment (if any) a CancelJob call found
// and cancelled its target in.
type CancelResult int

const (
	// CancelNotFound: jid names neither a job nor a setup task.
	CancelNotFound CancelResult = iota
	// CancelledJob: jid named a job, now marked Cancelled.
	CancelledJob
	// CancelledSetupTask: jid named a setup task, now marked Cancelled.
	CancelledSetupTask
)

// CancelJob sets status to Cancelled on either a job or a setup task,
// probing jobs first. The scheduler later signals the worker and evicts the
// entry; this call only flips the status bit.
func (r *Registry) CancelJob(jid types.JobID) CancelResult {
	r.jobsMu.Lock()
	if job, exists := r.jobs[jid]; exists {
		job.Status = types.Cancelled()
		r.jobsMu.Unlock()
		log.Info("cancelling job", "jid", jid)
		return CancelledJob
	}
	r.jobsMu.Unlock()

	r.setupMu.Lock()
	if task, exists := r.setupTasks[jid]; exists {
		task.Status = types.Cancelled()
		r.setupMu.Unlock()
		log.Info("cancelling setup task", "jid", jid)
		return CancelledSetupTask
	}
	r.setupMu.Unlock()

	log.Error("no such job", "jid", jid)
	return CancelNotFound
}

// JobStatusView is the flattened status record returned for JobStatus
// requests, valid for either a job or a setup task.
type JobStatusView struct {
	JID    types.JobID
	Class  string
	Cmd    string
	Status types.Status
	Vars   map[string]string
}

// JobStatus probes jobs first, then setup tasks. For a setup task, Cmd is
// the command at CurrentCmd. ok is false if jid names neither.
func (r *Registry) JobStatus(jid types.JobID) (JobStatusView, bool) {
	r.jobsMu.Lock()
	if job, exists := r.jobs[jid]; exists {
		view := JobStatusView{JID: jid, Class: job.Class, Cmd: job.Cmd, Status: job.Status, Vars: job.Variables}
		r.jobsMu.Unlock()
		return view, true
	}
	r.jobsMu.Unlock()

	r.setupMu.Lock()
	if task, exists := r.setupTasks[jid]; exists {
		class := ""
		if task.Class != nil {
			class = *task.Class
		}
		view := JobStatusView{JID: jid, Class: class, Cmd: task.Cmds[task.CurrentCmd], Status: task.Status, Vars: task.Variables}
		r.setupMu.Unlock()
		return view, true
	}
	r.setupMu.Unlock()

	return JobStatusView{}, false
}

// ReapCancelledJob removes the first Cancelled job found and returns its id.
// Only one is processed per call, mirroring the scheduler's one-per-tick
// reap policy.
func (r *Registry) ReapCancelledJob() (types.JobID, bool) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	for jid, job := range r.jobs {
		if job.Status.Kind == types.StatusCancelled {
			delete(r.jobs, jid)
			return jid, true
		}
	}
	return 0, false
}

// ReapCancelledSetupTask is ReapCancelledJob's counterpart for setup tasks.
func (r *Registry) ReapCancelledSetupTask() (types.JobID, bool) {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	for jid, task := range r.setupTasks {
		if task.Status.Kind == types.StatusCancelled {
			delete(r.setupTasks, jid)
			return jid, true
		}
	}
	return 0, false
}

// ============================================================================
// Scheduler dispatch primitives
// ============================================================================

// DispatchOneJob implements Scheduler Phase 1 under the documented lock
// order: it acquires machines then jobs, finds the first Waiting job with a
// matching idle machine, and — if found — marks both sides Running in the
// same critical section. At most one job is dispatched per call.
func (r *Registry) DispatchOneJob() (jid types.JobID, addr string, found bool) {
	r.machinesMu.Lock()
	defer r.machinesMu.Unlock()
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	idle := make(map[string]*types.Machine)
	for a, m := range r.machines {
		if m.IsIdle() {
			idle[a] = m
		}
	}

	for candidateJID, job := range r.jobs {
		if job.Status.Kind != types.StatusWaiting {
			continue
		}
		for a, m := range idle {
			if m.Class == job.Class {
				m.Running = &candidateJID
				job.Status = types.Running(a)
				log.Info("running job on machine", "jid", candidateJID, "machine", a)
				return candidateJID, a, true
			}
		}
	}

	return 0, "", false
}

// DispatchWaitingSetupTasks implements Scheduler Phase 2: every Waiting
// setup task transitions to Running on its pre-assigned machine. All ready
// tasks start in one pass, unlike job dispatch.
func (r *Registry) DispatchWaitingSetupTasks() []types.JobID {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	var started []types.JobID
	for jid, task := range r.setupTasks {
		if task.Status.Kind == types.StatusWaiting {
			task.Status = types.Running(task.Machine)
			started = append(started, jid)
			log.Info("running setup task on machine", "jid", jid, "machine", task.Machine)
		}
	}
	return started
}

// ============================================================================
// Matrices
// ============================================================================

// AddMatrix merges global variables (each as a one-element list) into vars
// without overriding matrix values, expands the cartesian product, creates
// one job per point (each with variables already substituted into Cmd), and
// stores the matrix. The matrix id is allocated first, then each expanded
// job its own id.
func (r *Registry) AddMatrix(class, cmd string, cpResults *string, vars map[string][]string) types.JobID {
	id := r.allocateID()

	globals := r.snapshotVars()
	merged := make(map[string][]string, len(vars)+len(globals))
	for k, v := range vars {
		cp := make([]string, len(v))
		copy(cp, v)
		merged[k] = cp
	}
	for k, v := range globals {
		if _, exists := merged[k]; !exists {
			merged[k] = []string{v}
		}
	}

	combos := cartesianProduct(merged)
	jids := make([]types.JobID, 0, len(combos))

	r.jobsMu.Lock()
	for _, combo := range combos {
		jid := r.allocateID()
		jids = append(jids, jid)

		substituted := templater.ReplaceVars(cmd, combo)
		r.jobs[jid] = &types.Job{
			JID:       jid,
			Cmd:       substituted,
			Class:     class,
			CPResults: cpResults,
			Status:    types.Waiting(),
			Variables: combo,
		}
		log.Info("matrix expanded job", "matrix", id, "jid", jid, "class", class, "cmd", substituted)
	}
	r.jobsMu.Unlock()

	r.matricesMu.Lock()
	r.matrices[id] = &types.Matrix{
		ID:        id,
		Cmd:       cmd,
		Class:     class,
		CPResults: cpResults,
		Variables: merged,
		JIDs:      jids,
	}
	r.matricesMu.Unlock()

	log.Info("created matrix", "id", id, "cmd", cmd, "jobs", len(jids))
	return id
}

// StatMatrix returns a copy of the matrix descriptor, including child job
// ids. ok is false if id is unknown.
func (r *Registry) StatMatrix(id types.JobID) (types.Matrix, bool) {
	r.matricesMu.Lock()
	defer r.matricesMu.Unlock()

	m, exists := r.matrices[id]
	if !exists {
		return types.Matrix{}, false
	}
	return *m, true
}
