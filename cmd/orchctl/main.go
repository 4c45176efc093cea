// orchctl is the CLI client for orchd. It talks to the daemon's admin HTTP
// surface over plain TCP (orchd has no unix-socket listener, unlike the
// teacher's aegis CLI) and is deliberately a thin os.Args switch-dispatch
// rather than a flag-parsing framework, matching cmd/aegis/main.go's style.
//
// Commands:
//
//	orchctl status             Show every managed model's lifecycle state
//	orchctl start <model>       Start a model
//	orchctl stop <model>        Stop a model
//	orchctl logs <model>        Print a model's recent log lines
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/llmorch/orchd/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		cmdStatus()
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "logs":
		cmdLogs()
	case "version", "--version", "-v":
		fmt.Printf("orchctl %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: orchctl <command> [args]

Commands:
  status          Show every managed model's lifecycle state
  start <model>   Start a model
  stop <model>    Stop a model
  logs <model>    Print a model's recent log lines

Environment:
  ORCHCTL_ADDR    Daemon address (default 127.0.0.1:8080)`)
}

func daemonAddr() string {
	if a := os.Getenv("ORCHCTL_ADDR"); a != "" {
		return a
	}
	return "127.0.0.1:8080"
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func cmdStatus() {
	resp, err := httpClient().Get("http://" + daemonAddr() + "/admin/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "get status: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var statuses []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		os.Exit(1)
	}
	if len(statuses) == 0 {
		fmt.Println("no models configured")
		return
	}
	for _, s := range statuses {
		fmt.Printf("%-24s %-12s pending=%v\n", s["primary_name"], s["status"], s["pending_count"])
		if reason, ok := s["failure_reason"].(string); ok && reason != "" {
			fmt.Printf("  failure: %s\n", reason)
		}
	}
}

func cmdStart() {
	requireArg("start")
	postAdmin("start", os.Args[2])
}

func cmdStop() {
	requireArg("stop")
	postAdmin("stop", os.Args[2])
}

func postAdmin(action, model string) {
	url := fmt.Sprintf("http://%s/admin/models/%s/%s", daemonAddr(), model, action)
	resp, err := httpClient().Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", action, model, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "%s %s: %s\n", action, model, body)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdLogs() {
	requireArg("logs")
	model := os.Args[2]
	url := fmt.Sprintf("http://%s/admin/models/%s/logs", daemonAddr(), model)
	resp, err := httpClient().Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get logs: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out struct {
		Lines []string `json:"lines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "decode logs: %v\n", err)
		os.Exit(1)
	}
	for _, line := range out.Lines {
		fmt.Println(line)
	}
}

func requireArg(cmd string) {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: orchctl %s <model>\n", cmd)
		os.Exit(1)
	}
}
