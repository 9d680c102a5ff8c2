// ============================================================================
// jobctl - Job Server Client
// ============================================================================
//
// Package: cmd/jobctl
// File: main.go
// Purpose: A thin client that opens one connection per request, encodes one
// protocol.Request, writes it, half-closes, and prints the raw decoded
// protocol.Response as JSON. Deliberately NOT a table-formatting renderer —
// presentation is out of scope.
//
// ============================================================================

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/hollow-creek/jobserver/internal/protocol"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "jobctl",
		Short: "jobctl talks to a running jobserverd over its wire protocol",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:3030", "server address (host:port)")

	root.AddCommand(pingCommand(&addr))
	root.AddCommand(makeAvailableCommand(&addr))
	root.AddCommand(removeAvailableCommand(&addr))
	root.AddCommand(listAvailableCommand(&addr))
	root.AddCommand(setVarCommand(&addr))
	root.AddCommand(listVarsCommand(&addr))
	root.AddCommand(addJobCommand(&addr))
	root.AddCommand(listJobsCommand(&addr))
	root.AddCommand(cancelJobCommand(&addr))
	root.AddCommand(jobStatusCommand(&addr))
	root.AddCommand(cloneJobCommand(&addr))
	root.AddCommand(statMatrixCommand(&addr))

	return root
}

func pingCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the server is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqPing})
		},
	}
}

func makeAvailableCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "make-available <addr> <class>",
		Short: "Register a machine as available for a class",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{
				Type:  protocol.ReqMakeAvailable,
				Addr:  args[0],
				Class: args[1],
			})
		},
	}
}

func removeAvailableCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-available <addr>",
		Short: "Remove a machine from the available pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{
				Type: protocol.ReqRemoveAvailable,
				Addr: args[0],
			})
		},
	}
}

func listAvailableCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-available",
		Short: "List available machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqListAvailable})
		},
	}
}

func setVarCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-var <name> <value>",
		Short: "Set a global template variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{
				Type:  protocol.ReqSetVar,
				Name:  args[0],
				Value: args[1],
			})
		},
	}
}

func listVarsCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-vars",
		Short: "List global template variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqListVars})
		},
	}
}

func addJobCommand(addr *string) *cobra.Command {
	var cpResults string

	cmd := &cobra.Command{
		Use:   "add-job <class> <cmd>",
		Short: "Submit a job to run on any idle machine of class",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.Request{
				Type:  protocol.ReqAddJob,
				Class: args[0],
				Cmd:   args[1],
			}
			if cpResults != "" {
				req.CPResults = &cpResults
			}
			return sendAndPrint(*addr, req)
		},
	}
	cmd.Flags().StringVar(&cpResults, "cp-results", "", "local destination for results on success")
	return cmd
}

func listJobsCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-jobs",
		Short: "List all job and setup task ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqListJobs})
		},
	}
}

func cancelJobCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-job <jid>",
		Short: "Cancel a running or waiting job/setup task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid, err := parseJID(args[0])
			if err != nil {
				return err
			}
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqCancelJob, JID: jid})
		},
	}
}

func jobStatusCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "job-status <jid>",
		Short: "Print a job's or setup task's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid, err := parseJID(args[0])
			if err != nil {
				return err
			}
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqJobStatus, JID: jid})
		},
	}
}

func cloneJobCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clone-job <jid>",
		Short: "Resubmit a finished job with the same command and class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid, err := parseJID(args[0])
			if err != nil {
				return err
			}
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqCloneJob, JID: jid})
		},
	}
}

func statMatrixCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stat-matrix <id>",
		Short: "Print a matrix job's expansion and member job ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJID(args[0])
			if err != nil {
				return err
			}
			return sendAndPrint(*addr, protocol.Request{Type: protocol.ReqStatMatrix, ID: id})
		},
	}
}

func parseJID(s string) (uint64, error) {
	var jid uint64
	if _, err := fmt.Sscanf(s, "%d", &jid); err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return jid, nil
}

// sendAndPrint opens one TCP connection, writes req, half-closes, reads the
// response, and prints it as formatted JSON.
func sendAndPrint(addr string, req protocol.Request) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	var resp protocol.Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
