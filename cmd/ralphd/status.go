package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ralph-fleet/ralphd/internal/httpstatus"
)

// StatusCmd queries a running daemon's /status endpoint and prints it.
type StatusCmd struct {
	Addr string `help:"Daemon status-server address" default:"http://localhost:9090"`
}

func (c *StatusCmd) Run(_ *Global, _ *CLI) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(c.Addr + "/status")
	if err != nil {
		return fmt.Errorf("query status endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s: %s", resp.Status, string(body))
	}

	var status httpstatus.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}

	fmt.Printf("status:      %s\n", status.Status)
	fmt.Printf("gate:        %s\n", status.Gate)
	fmt.Printf("queue depth: %d\n", status.QueueDepth)
	fmt.Printf("uptime:      %.0fs\n", status.Uptime)
	for repo, n := range status.RepoInFlight {
		fmt.Printf("repo %-30s in-flight=%d\n", repo, n)
	}
	for repo, n := range status.BreakerOpen {
		fmt.Printf("repo %-30s breaker-open=%d\n", repo, n)
	}
	return nil
}
