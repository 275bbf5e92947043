package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

// ctl responses reuse the daemon's JSON shapes; only the fields the
// CLI prints are decoded here.

type agentEntry struct {
	Descriptor struct {
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"descriptor"`
	State string `json:"state"`
}

type workflowEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []struct {
		ID    string `json:"id"`
		Agent string `json:"agent"`
	} `json:"steps"`
}

type statusResponse struct {
	Status    string          `json:"status"`
	Agents    []agentEntry    `json:"agents"`
	Workflows []workflowEntry `json:"workflows"`
	Error     string          `json:"error,omitempty"`
}

type taskResponse struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type runResponse struct {
	Run      string `json:"run"`
	Workflow string `json:"workflow"`
	Error    string `json:"error,omitempty"`
}

type scheduleEntry struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	WorkflowID string     `json:"workflow_id"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
}

func sendCtl(natsURL, op string, payload any, out any) error {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request("ctl."+op, data, 10*time.Second)
	if err != nil {
		return fmt.Errorf("ctl request: %w", err)
	}

	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  archonctl status")
	fmt.Fprintln(os.Stderr, `  archonctl run-task --agent "..." [--input "..."]`)
	fmt.Fprintln(os.Stderr, `  archonctl run-workflow --id "..."`)
	fmt.Fprintln(os.Stderr, "  archonctl schedules list")
	fmt.Fprintln(os.Stderr, `  archonctl schedules create --workflow "..." --schedule "..." [--id "..."] [--name "..."]`)
	fmt.Fprintln(os.Stderr, `  archonctl schedules delete --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "status":
		var resp statusResponse
		if err := sendCtl(natsURL, "status", map[string]any{}, &resp); err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("Status: %s\n\nAgents:\n", resp.Status)
		for _, a := range resp.Agents {
			fmt.Printf("  %-20s %-12s [%s]\n", a.Descriptor.Name, a.State, a.Descriptor.Category)
		}
		fmt.Println("\nWorkflows:")
		for _, w := range resp.Workflows {
			fmt.Printf("  %-20s %s (%d steps)\n", w.ID, w.Name, len(w.Steps))
		}

	case "run-task":
		args := parseArgs(rest)
		if args["agent"] == "" {
			fatal("--agent is required")
		}
		var resp taskResponse
		if err := sendCtl(natsURL, "task.run", map[string]any{
			"agent": args["agent"],
			"input": args["input"],
		}, &resp); err != nil {
			fatal("%v", err)
		}
		if !resp.Success {
			fatal("%s", resp.Error)
		}
		out, _ := json.MarshalIndent(resp.Output, "", "  ")
		fmt.Println(string(out))

	case "run-workflow":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		var resp runResponse
		if err := sendCtl(natsURL, "workflow.run", map[string]any{
			"workflow": args["id"],
		}, &resp); err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("Run started: %s\n", resp.Run)

	case "schedules":
		if len(rest) < 1 {
			usage()
		}
		runSchedules(natsURL, rest[0], parseArgs(rest[1:]))

	default:
		fatal("unknown command: %s", command)
	}
}

func runSchedules(natsURL, sub string, args map[string]string) {
	switch sub {
	case "list":
		var resp []scheduleEntry
		if err := sendCtl(natsURL, "schedule.list", map[string]any{}, &resp); err != nil {
			fatal("%v", err)
		}
		if len(resp) == 0 {
			fmt.Println("No schedules found.")
			return
		}
		for _, s := range resp {
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("  %-36s %-10s %-20s next: %s\n", s.ID, s.Status, s.WorkflowID, next)
		}

	case "create":
		if args["workflow"] == "" || args["schedule"] == "" {
			fatal("--workflow and --schedule are required")
		}
		var resp struct {
			ID    string `json:"id"`
			Error string `json:"error,omitempty"`
		}
		if err := sendCtl(natsURL, "schedule.create", map[string]any{
			"id":       args["id"],
			"name":     args["name"],
			"workflow": args["workflow"],
			"schedule": args["schedule"],
		}, &resp); err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("Schedule created: %s\n", resp.ID)

	case "delete":
		if args["id"] == "" {
			fatal("--id is required")
		}
		var resp struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}
		if err := sendCtl(natsURL, "schedule.delete", map[string]any{"id": args["id"]}, &resp); err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Println("Schedule deleted.")

	default:
		usage()
	}
}
