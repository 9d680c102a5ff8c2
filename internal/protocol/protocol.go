// ============================================================================
// Jobserver Wire Protocol
// ============================================================================
//
// Package: internal/protocol
// File: protocol.go
// Purpose: Encode/decode the request/response tagged-union messages carried
// over one connection per request.
//
// Wire shape: a single JSON object per message. The "type" field selects the
// variant; the remaining fields are variant-specific and may be absent when
// not applicable. The server reads the full request from the connection
// until the peer half-closes its write side (io.ReadAll semantics over a
// conn whose peer calls CloseWrite), then writes exactly one response and
// closes.
//
// ============================================================================

// Package protocol implements the jobserver's request/response wire codec.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// RequestType tags a Request variant.
type RequestType string

const (
	ReqPing            RequestType = "Ping"
	ReqMakeAvailable   RequestType = "MakeAvailable"
	ReqRemoveAvailable RequestType = "RemoveAvailable"
	ReqListAvailable   RequestType = "ListAvailable"
	ReqSetUpMachine    RequestType = "SetUpMachine"
	ReqSetVar          RequestType = "SetVar"
	ReqListVars        RequestType = "ListVars"
	ReqAddJob          RequestType = "AddJob"
	ReqListJobs        RequestType = "ListJobs"
	ReqCancelJob       RequestType = "CancelJob"
	ReqJobStatus       RequestType = "JobStatus"
	ReqCloneJob        RequestType = "CloneJob"
	ReqAddMatrix       RequestType = "AddMatrix"
	ReqStatMatrix      RequestType = "StatMatrix"
)

// Request is the flattened tagged union of every request variant. Only the
// fields relevant to Type are meaningful; JSON tags omit empty optional
// fields so unrecognized-field tolerance holds in both directions.
type Request struct {
	Type RequestType `json:"type"`

	Addr  string `json:"addr,omitempty"`
	Class string `json:"class,omitempty"`

	Cmds []string `json:"cmds,omitempty"`

	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`

	Cmd       string  `json:"cmd,omitempty"`
	CPResults *string `json:"cp_results,omitempty"`

	JID uint64 `json:"jid,omitempty"`
	ID  uint64 `json:"id,omitempty"`

	Vars map[string][]string `json:"vars,omitempty"`
}

// ResponseType tags a Response variant.
type ResponseType string

const (
	RespOk            ResponseType = "Ok"
	RespMachines      ResponseType = "Machines"
	RespJobs          ResponseType = "Jobs"
	RespVars          ResponseType = "Vars"
	RespJobID         ResponseType = "JobId"
	RespMatrixID      ResponseType = "MatrixId"
	RespJobStatus     ResponseType = "JobStatus"
	RespMatrixStatus  ResponseType = "MatrixStatus"
	RespNoSuchMachine ResponseType = "NoSuchMachine"
	RespNoSuchJob     ResponseType = "NoSuchJob"
	RespNoSuchMatrix  ResponseType = "NoSuchMatrix"
)

// StatusPayload is the wire shape of a flattened job/setup-task status.
type StatusPayload struct {
	Kind    string  `json:"kind"`
	Machine string  `json:"machine,omitempty"`
	Output  *string `json:"output,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// JobStatusPayload is the body of a JobStatus response.
type JobStatusPayload struct {
	Class  string            `json:"class"`
	Cmd    string            `json:"cmd"`
	Status StatusPayload     `json:"status"`
	Vars   map[string]string `json:"vars"`
}

// MatrixStatusPayload is the body of a MatrixStatus response.
type MatrixStatusPayload struct {
	Cmd       string              `json:"cmd"`
	Class     string              `json:"class"`
	CPResults *string             `json:"cp_results,omitempty"`
	Vars      map[string][]string `json:"vars"`
	JIDs      []uint64            `json:"jids"`
}

// Response is the flattened tagged union of every response variant.
type Response struct {
	Type ResponseType `json:"type"`

	Machines map[string]string `json:"machines,omitempty"`
	Jobs     []uint64          `json:"jobs,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`

	JobID    uint64 `json:"job_id,omitempty"`
	MatrixID uint64 `json:"matrix_id,omitempty"`

	JobStatus    *JobStatusPayload    `json:"job_status,omitempty"`
	MatrixStatus *MatrixStatusPayload `json:"matrix_status,omitempty"`
}

// Ok is the canned Ok response.
func Ok() Response { return Response{Type: RespOk} }

// NoSuchMachine is the canned not-found response for machine addresses.
func NoSuchMachine() Response { return Response{Type: RespNoSuchMachine} }

// NoSuchJob is the canned not-found response for job/setup-task ids.
func NoSuchJob() Response { return Response{Type: RespNoSuchJob} }

// NoSuchMatrix is the canned not-found response for matrix ids.
func NoSuchMatrix() Response { return Response{Type: RespNoSuchMatrix} }

// DecodeRequest reads r to EOF (on a connection, the peer's half-close) and
// parses everything read as one JSON tagged-union value.
func DecodeRequest(r io.Reader) (Request, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("reading request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// EncodeResponse writes resp to w as one JSON object. The caller closes the
// connection afterward.
func EncodeResponse(w io.Writer, resp Response) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}
