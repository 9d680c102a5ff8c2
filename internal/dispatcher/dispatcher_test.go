package dispatcher

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hollow-creek/jobserver/internal/metrics"
	"github.com/hollow-creek/jobserver/internal/protocol"
	"github.com/hollow-creek/jobserver/internal/registry"
)

// roundTrip spins up a loopback TCP listener, accepts exactly one
// connection through d.Handle, sends reqJSON from a client dial, and
// returns the decoded response. Using real TCP (not net.Pipe) exercises
// CloseWrite/CloseRead the way a real client does.
func roundTrip(t *testing.T, d *Dispatcher, reqJSON string) protocol.Response {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		d.Handle(conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(reqJSON)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	var resp protocol.Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	<-serverDone
	return resp
}

func TestDispatchPing(t *testing.T) {
	d := New(registry.New(), nil)
	resp := roundTrip(t, d, `{"type":"Ping"}`)
	if resp.Type != protocol.RespOk {
		t.Errorf("got %q, want Ok", resp.Type)
	}
}

func TestDispatchMakeAvailableThenListAvailable(t *testing.T) {
	reg := registry.New()
	d := New(reg, nil)

	roundTrip(t, d, `{"type":"MakeAvailable","addr":"h1:22","class":"alpha"}`)
	resp := roundTrip(t, d, `{"type":"ListAvailable"}`)

	if resp.Type != protocol.RespMachines {
		t.Fatalf("got %q, want Machines", resp.Type)
	}
	if resp.Machines["h1:22"] != "alpha" {
		t.Errorf("got %+v", resp.Machines)
	}
}

func TestDispatchRemoveAvailableUnknown(t *testing.T) {
	d := New(registry.New(), nil)
	resp := roundTrip(t, d, `{"type":"RemoveAvailable","addr":"ghost:1"}`)
	if resp.Type != protocol.RespNoSuchMachine {
		t.Errorf("got %q, want NoSuchMachine", resp.Type)
	}
}

func TestDispatchAddJobThenJobStatus(t *testing.T) {
	reg := registry.New()
	d := New(reg, nil)

	resp := roundTrip(t, d, `{"type":"AddJob","class":"alpha","cmd":"echo hi"}`)
	if resp.Type != protocol.RespJobID {
		t.Fatalf("got %q, want JobId", resp.Type)
	}

	statusReq := `{"type":"JobStatus","jid":` + strconv.FormatUint(resp.JobID, 10) + `}`
	statusResp := roundTrip(t, d, statusReq)
	if statusResp.Type != protocol.RespJobStatus {
		t.Fatalf("got %q, want JobStatus", statusResp.Type)
	}
	if statusResp.JobStatus.Status.Kind != "waiting" {
		t.Errorf("got status %q, want waiting", statusResp.JobStatus.Status.Kind)
	}
}

func TestDispatchJobStatusUnknown(t *testing.T) {
	d := New(registry.New(), nil)
	resp := roundTrip(t, d, `{"type":"JobStatus","jid":999}`)
	if resp.Type != protocol.RespNoSuchJob {
		t.Errorf("got %q, want NoSuchJob", resp.Type)
	}
}

func TestDispatchCancelJobUnknown(t *testing.T) {
	d := New(registry.New(), nil)
	resp := roundTrip(t, d, `{"type":"CancelJob","jid":999}`)
	if resp.Type != protocol.RespNoSuchJob {
		t.Errorf("got %q, want NoSuchJob", resp.Type)
	}
}

func TestDispatchAddMatrixThenStatMatrix(t *testing.T) {
	reg := registry.New()
	d := New(reg, nil)

	resp := roundTrip(t, d, `{"type":"AddMatrix","class":"alpha","cmd":"run {x}","vars":{"x":["1","2"]}}`)
	if resp.Type != protocol.RespMatrixID {
		t.Fatalf("got %q, want MatrixId", resp.Type)
	}

	statResp := roundTrip(t, d, `{"type":"StatMatrix","id":`+strconv.FormatUint(resp.MatrixID, 10)+`}`)
	if statResp.Type != protocol.RespMatrixStatus {
		t.Fatalf("got %q, want MatrixStatus", statResp.Type)
	}
	if len(statResp.MatrixStatus.JIDs) != 2 {
		t.Errorf("got %d jids, want 2", len(statResp.MatrixStatus.JIDs))
	}
}

func TestDispatchStatMatrixUnknown(t *testing.T) {
	d := New(registry.New(), nil)
	resp := roundTrip(t, d, `{"type":"StatMatrix","id":999}`)
	if resp.Type != protocol.RespNoSuchMatrix {
		t.Errorf("got %q, want NoSuchMatrix", resp.Type)
	}
}

func TestDispatchAddMatrixCountsEveryExpandedJob(t *testing.T) {
	reg := registry.New()
	promReg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = promReg
	met := metrics.NewCollector()
	d := New(reg, met)

	resp := roundTrip(t, d, `{"type":"AddMatrix","class":"alpha","cmd":"run {x} {y}","vars":{"x":["1","2"],"y":["a","b"]}}`)
	if resp.Type != protocol.RespMatrixID {
		t.Fatalf("got %q, want MatrixId", resp.Type)
	}

	mfs, err := promReg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}

	var createdTotal, matricesTotal float64
	for _, mf := range mfs {
		switch mf.GetName() {
		case "jobserver_jobs_created_total":
			createdTotal = sumCounters(mf)
		case "jobserver_matrices_created_total":
			matricesTotal = sumCounters(mf)
		}
	}

	if createdTotal != 4 {
		t.Errorf("got jobserver_jobs_created_total=%v, want 4 (the full x*y expansion)", createdTotal)
	}
	if matricesTotal != 1 {
		t.Errorf("got jobserver_matrices_created_total=%v, want 1", matricesTotal)
	}
}

func sumCounters(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}
