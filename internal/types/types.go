// ============================================================================
// Jobserver Core Type Definitions
// ============================================================================
//
// Package: internal/types
// Purpose: Domain models shared by every other package in the server.
//
// These types intentionally carry no behavior beyond simple accessors: the
// registry owns mutation, the scheduler owns transition timing, and the
// runner owns execution. Keeping them inert keeps the locking discipline in
// one place (internal/registry) instead of scattered across methods on these
// structs.
//
// ============================================================================

// Package types defines the domain models for the jobserver.
package types

// JobID identifies a job, setup task, or matrix. All three share one
// allocation space: ids are never reused and strictly increase over the
// server's lifetime.
type JobID uint64

// StatusKind is the tag of the Status sum type.
type StatusKind int

const (
	// StatusWaiting: queued, not yet assigned a machine.
	StatusWaiting StatusKind = iota
	// StatusRunning: assigned to Machine and currently executing.
	StatusRunning
	// StatusDone: finished successfully. Output is set if the runner printed
	// a RESULTS: line.
	StatusDone
	// StatusFailed: the command could not be spawned, exited non-zero, or
	// its output could not be captured.
	StatusFailed
	// StatusCancelled: terminal for the client, transient in the registry —
	// the scheduler evicts Cancelled entries after signalling the worker.
	StatusCancelled
)

func (k StatusKind) String() string {
	switch k {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Status is the state of a Job or SetupTask. Only the fields relevant to Kind
// are meaningful; this mirrors the tagged union in the specification without
// needing a Go sum-type library.
type Status struct {
	Kind StatusKind

	// Machine is set for Running and Done, and optionally for Failed.
	Machine string

	// Output is the results path, set only for a successful Done with a
	// RESULTS: line in the child's stdout.
	Output *string

	// Error is the failure message, set only for Failed.
	Error string
}

// Waiting returns a fresh Waiting status.
func Waiting() Status { return Status{Kind: StatusWaiting} }

// Running returns a Running status bound to machine.
func Running(machine string) Status { return Status{Kind: StatusRunning, Machine: machine} }

// Done returns a Done status, with an optional results path.
func Done(machine string, output *string) Status {
	return Status{Kind: StatusDone, Machine: machine, Output: output}
}

// Failed returns a Failed status. machine may be empty if the job never got
// far enough to be assigned one.
func Failed(machine, errMsg string) Status {
	return Status{Kind: StatusFailed, Machine: machine, Error: errMsg}
}

// Cancelled returns a Cancelled status.
func Cancelled() Status { return Status{Kind: StatusCancelled} }

// Machine is a registered remote worker machine.
type Machine struct {
	// Addr is the opaque address string, conventionally host:port. It is
	// also the map key in the registry; it is kept here as well for callers
	// that copy a Machine out of the registry.
	Addr string

	// Class groups machines of equivalent capability.
	Class string

	// Running is the id of the job currently assigned to this machine, or
	// nil if idle.
	Running *JobID
}

// IsIdle reports whether the machine has no job assigned.
func (m Machine) IsIdle() bool { return m.Running == nil }

// Job is a single unit of work targeted at a class of machine.
type Job struct {
	JID JobID

	// Cmd is the raw command template, before variable/machine substitution.
	// For jobs expanded from a matrix, the matrix's variables are already
	// substituted in; {MACHINE} never is.
	Cmd string

	// Class is the machine class this job must run on.
	Class string

	// CPResults, if set, is the local destination path results should be
	// copied to after a successful run.
	CPResults *string

	Status Status

	// Variables is a snapshot of the global variable map taken when the job
	// was created; later SetVar calls do not affect it.
	Variables map[string]string
}

// SetupTask is an ordered sequence of commands run on one pre-assigned
// machine, optionally promoting that machine into a class on success.
type SetupTask struct {
	JID JobID

	// Machine is fixed at creation time; no scheduling match is needed.
	Machine string

	// Cmds is the ordered, non-empty list of commands to run.
	Cmds []string

	// CurrentCmd is the index of the command currently executing (or most
	// recently executed, once Done).
	CurrentCmd int

	// Class, if set, is the class the machine is added to after the task
	// completes successfully.
	Class *string

	Status Status

	// Variables is the snapshot taken at creation time and is what JobStatus
	// reports. The setup worker does not use it: it re-reads the global
	// variable map at run start — see DESIGN.md for why this differs from
	// Job and is preserved as observed.
	Variables map[string]string
}

// Matrix is a template plus per-variable value lists, expanded at creation
// time into one job per point of the cartesian product. After creation a
// Matrix is immutable and only read for status reporting.
type Matrix struct {
	ID JobID

	Cmd       string
	Class     string
	CPResults *string

	// Variables maps name to the list of values it ranges over, including a
	// single-valued entry for each global variable that was set at creation
	// time.
	Variables map[string][]string

	// JIDs are the ids of the jobs expanded from this matrix, in creation
	// order.
	JIDs []JobID
}
