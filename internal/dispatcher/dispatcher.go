// ============================================================================
// Jobserver Request Dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Accept one connection, decode one request, mutate the registry
// under its lock discipline, produce one response (C4).
//
// Each call to Handle owns exactly one connection for exactly one
// request/response round trip, tagged with a correlation id for log
// grepping across concurrent clients.
//
// ============================================================================

// Package dispatcher wires the wire protocol to the registry.
package dispatcher

import (
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/hollow-creek/jobserver/internal/metrics"
	"github.com/hollow-creek/jobserver/internal/protocol"
	"github.com/hollow-creek/jobserver/internal/registry"
	"github.com/hollow-creek/jobserver/internal/types"
)

var log = slog.Default()

// Dispatcher decodes requests and mutates a Registry.
type Dispatcher struct {
	reg *registry.Registry
	met *metrics.Collector
}

// New builds a Dispatcher over reg. met may be nil, in which case creation
// counters are skipped (metrics disabled).
func New(reg *registry.Registry, met *metrics.Collector) *Dispatcher {
	return &Dispatcher{reg: reg, met: met}
}

// halfCloseReader is satisfied by net.Conn variants that support a
// unidirectional close of the read side from the peer (TCP, Unix sockets).
type halfCloseReader interface {
	CloseRead() error
}

// Handle services one connection: read until the peer half-closes its write
// side, decode one request, mutate the registry, write one response, close.
func (d *Dispatcher) Handle(conn net.Conn) {
	defer conn.Close()

	trace := uuid.NewString()

	req, err := protocol.DecodeRequest(conn)
	if err != nil {
		log.Warn("dropping connection: malformed request", "trace", trace, "err", err)
		return
	}

	log.Info("request received", "trace", trace, "type", req.Type)

	resp := d.dispatch(req)

	if err := protocol.EncodeResponse(conn, resp); err != nil {
		log.Warn("failed to write response", "trace", trace, "err", err)
		return
	}

	if hc, ok := conn.(halfCloseReader); ok {
		_ = hc.CloseRead()
	}

	log.Info("request handled", "trace", trace, "response_type", resp.Type)
}

// dispatch performs the mutation and builds a response for one request. It
// never panics: unknown request types are logged and answered with Ok, the
// same treatment the specification gives any not-otherwise-specified input.
func (d *Dispatcher) dispatch(req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.ReqPing:
		return protocol.Ok()

	case protocol.ReqMakeAvailable:
		d.reg.MakeAvailable(req.Addr, req.Class)
		return protocol.Ok()

	case protocol.ReqRemoveAvailable:
		if !d.reg.RemoveAvailable(req.Addr) {
			return protocol.NoSuchMachine()
		}
		return protocol.Ok()

	case protocol.ReqListAvailable:
		return protocol.Response{Type: protocol.RespMachines, Machines: d.reg.ListAvailable()}

	case protocol.ReqSetUpMachine:
		jid := d.reg.SetUpMachine(req.Addr, req.Cmds, classPtr(req.Class))
		if d.met != nil {
			d.met.RecordSetupTaskCreated()
		}
		return protocol.Response{Type: protocol.RespJobID, JobID: uint64(jid)}

	case protocol.ReqSetVar:
		d.reg.SetVar(req.Name, req.Value)
		return protocol.Ok()

	case protocol.ReqListVars:
		return protocol.Response{Type: protocol.RespVars, Vars: d.reg.ListVars()}

	case protocol.ReqAddJob:
		jid := d.reg.AddJob(req.Class, req.Cmd, req.CPResults)
		if d.met != nil {
			d.met.RecordJobCreated()
		}
		return protocol.Response{Type: protocol.RespJobID, JobID: uint64(jid)}

	case protocol.ReqListJobs:
		ids := d.reg.ListJobs()
		out := make([]uint64, len(ids))
		for i, id := range ids {
			out[i] = uint64(id)
		}
		return protocol.Response{Type: protocol.RespJobs, Jobs: out}

	case protocol.ReqCancelJob:
		if d.reg.CancelJob(types.JobID(req.JID)) == registry.CancelNotFound {
			return protocol.NoSuchJob()
		}
		if d.met != nil {
			d.met.RecordCancelled()
		}
		return protocol.Ok()

	case protocol.ReqJobStatus:
		view, ok := d.reg.JobStatus(types.JobID(req.JID))
		if !ok {
			return protocol.NoSuchJob()
		}
		return protocol.Response{Type: protocol.RespJobStatus, JobStatus: toJobStatusPayload(view)}

	case protocol.ReqCloneJob:
		newJID, ok := d.reg.CloneJob(types.JobID(req.JID))
		if !ok {
			return protocol.NoSuchJob()
		}
		return protocol.Response{Type: protocol.RespJobID, JobID: uint64(newJID)}

	case protocol.ReqAddMatrix:
		id := d.reg.AddMatrix(req.Class, req.Cmd, req.CPResults, req.Vars)
		if d.met != nil {
			d.met.RecordMatrixCreated()
			if m, ok := d.reg.StatMatrix(id); ok {
				for range m.JIDs {
					d.met.RecordJobCreated()
				}
			}
		}
		return protocol.Response{Type: protocol.RespMatrixID, MatrixID: uint64(id)}

	case protocol.ReqStatMatrix:
		m, ok := d.reg.StatMatrix(types.JobID(req.ID))
		if !ok {
			return protocol.NoSuchMatrix()
		}
		return protocol.Response{Type: protocol.RespMatrixStatus, MatrixStatus: toMatrixStatusPayload(m)}

	default:
		log.Warn("unrecognized request type", "type", req.Type)
		return protocol.Ok()
	}
}

func classPtr(class string) *string {
	if class == "" {
		return nil
	}
	return &class
}

func toJobStatusPayload(view registry.JobStatusView) *protocol.JobStatusPayload {
	return &protocol.JobStatusPayload{
		Class:  view.Class,
		Cmd:    view.Cmd,
		Status: toStatusPayload(view.Status),
		Vars:   view.Vars,
	}
}

func toStatusPayload(s types.Status) protocol.StatusPayload {
	return protocol.StatusPayload{
		Kind:    s.Kind.String(),
		Machine: s.Machine,
		Output:  s.Output,
		Error:   s.Error,
	}
}

func toMatrixStatusPayload(m types.Matrix) *protocol.MatrixStatusPayload {
	jids := make([]uint64, len(m.JIDs))
	for i, jid := range m.JIDs {
		jids[i] = uint64(jid)
	}
	return &protocol.MatrixStatusPayload{
		Cmd:       m.Cmd,
		Class:     m.Class,
		CPResults: m.CPResults,
		Vars:      m.Variables,
		JIDs:      jids,
	}
}
