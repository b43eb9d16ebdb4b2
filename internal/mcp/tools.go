package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all fleet tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerProxies(s, client)
	registerProxyAction(s, client, "ban")
	registerProxyAction(s, client, "unban")
	registerResults(s, client)
	registerTaskCounts(s, client)
	registerNonce(s, client)
	registerRunTask(s, client)
	registerSetRate(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_status",
		gomcp.WithDescription("Get fleet status: task outcomes, wallet pool occupancy, result queue, proxy health."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fleet unreachable: %v\n\nIs txfleet running with -listen set?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_health",
		gomcp.WithDescription("Readiness check: node RPC connectivity and whether any proxy is usable."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Fleet unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerProxies(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_proxies",
		gomcp.WithDescription("List egress proxies with ban state and persisted success/failure counts."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/proxies")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to list proxies: %v", err)), nil
		}
		// stats are optional: the fleet may run without a database
		stats, _ := client.Get(ctx, "/v1/proxies/stats")
		return gomcp.NewToolResultText(formatProxies(raw, stats)), nil
	})
}

func registerProxyAction(s *server.MCPServer, client *Client, action string) {
	tool := gomcp.NewTool("fleet_proxy_"+action,
		gomcp.WithDescription(fmt.Sprintf("%s one proxy by index. This is a MUTATING operation.", strings.ToUpper(action[:1])+action[1:])),
		gomcp.WithNumber("index",
			gomcp.Required(),
			gomcp.Description("Proxy index as shown by fleet_proxies"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		idx := req.GetInt("index", -1)
		if idx < 0 {
			return gomcp.NewToolResultError("index must be a non-negative integer"), nil
		}
		if _, err := client.Post(ctx, fmt.Sprintf("/v1/proxies/%d/%s", idx, action), nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to %s proxy %d: %v", action, idx, err)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Proxy %d %sned.", idx, action)), nil
	})
}

func registerResults(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_results",
		gomcp.WithDescription("Show the most recent persisted task outcomes."),
		gomcp.WithNumber("limit",
			gomcp.Description("Number of results (default 20, max 1000)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/results?limit=%d", limit))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get results: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatResults(raw)), nil
	})
}

func registerTaskCounts(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_task_counts",
		gomcp.WithDescription("Persisted outcome counts per task and status for the current run."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/results/counts")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get task counts: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatTaskCounts(raw)), nil
	})
}

func registerNonce(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_nonce",
		gomcp.WithDescription("Show the nonce manager state of one wallet."),
		gomcp.WithString("address",
			gomcp.Required(),
			gomcp.Description("Wallet address (0x...)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		addr, err := req.RequireString("address")
		if err != nil {
			return gomcp.NewToolResultError("address is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/nonces/"+url.PathEscape(addr))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get nonce state: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatNonce(raw)), nil
	})
}

func registerRunTask(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_run_task",
		gomcp.WithDescription("Run one task on one wallet outside the worker loop. This is a MUTATING operation: it may send a transaction."),
		gomcp.WithString("task",
			gomcp.Required(),
			gomcp.Description("Task name, e.g. self_transfer, storage_write, deploy_storage, balance_check"),
		),
		gomcp.WithNumber("wallet",
			gomcp.Description("Wallet index (default 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return gomcp.NewToolResultError("task is required"), nil
		}
		payload := map[string]any{
			"task":   task,
			"wallet": req.GetInt("wallet", 0),
		}
		raw, err := client.Post(ctx, "/v1/tasks/run", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to run task: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunTask(raw)), nil
	})
}

func registerSetRate(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("fleet_set_rate",
		gomcp.WithDescription("Change the fleet-wide task start rate. Only works when txfleet was started with -tps."),
		gomcp.WithNumber("tps",
			gomcp.Required(),
			gomcp.Description("Tasks per second"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		tps := req.GetFloat("tps", 0)
		if tps <= 0 {
			return gomcp.NewToolResultError("tps must be positive"), nil
		}
		if _, err := client.Post(ctx, "/v1/rate", map[string]any{"tps": tps}); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to set rate: %v", err)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Rate set to %.1f tasks/s.", tps)), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	counters, _ := m["counters"].(map[string]any)
	pool, _ := m["pool"].(map[string]any)
	sink, _ := m["sink"].(map[string]any)

	succeeded := getNum(counters, "tasksSucceeded")
	failed := getNum(counters, "tasksFailed")
	timedOut := getNum(counters, "tasksTimedOut")
	uptime := time.Duration(getNum(m, "uptime")).Round(time.Second)

	return report(
		heading("Fleet Status"),
		field("Run ID", getStr(m, "runId")),
		field("Uptime", uptime),
		field("Workers", count(getNum(m, "workers"))),
		"",
		heading("Tasks"),
		field("Succeeded", count(succeeded)),
		field("Failed", count(failed)),
		field("Timed Out", count(timedOut)),
		field("Success Rate", successRate(succeeded, failed, timedOut)),
		field("Nonce Conflicts", count(getNum(counters, "nonceConflicts"))),
		field("Network Errors", count(getNum(counters, "networkErrors"))),
		field("Proxy Bans", count(getNum(counters, "proxyBans"))),
		field("Lease Misses", count(getNum(counters, "leaseMisses"))),
		field("Active / Peak", ratio(getNum(counters, "activeTasks"), getNum(counters, "peakActiveTasks"))),
		"",
		heading("Wallet Pool"),
		field("Wallets", count(getNum(pool, "total"))),
		field("Available", count(getNum(pool, "available"))),
		field("Leased", count(getNum(pool, "leased"))),
		field("Cooling", count(getNum(pool, "cooling"))),
		field("Permits", ratio(getNum(pool, "permitsInUse"), getNum(pool, "capacity"))),
		"",
		heading("Results"),
		field("Queued", count(getNum(sink, "queued"))),
		field("Dropped", count(getNum(sink, "dropped"))),
		field("Flushed", count(getNum(sink, "flushed"))),
		field("Flush Errors", count(getNum(sink, "flushErrors"))),
		field("Last Flush", lastFlush(sink)),
		"",
		heading("Proxies"),
		field("Healthy / Total", ratio(getNum(m, "proxiesHealthy"), getNum(m, "proxiesTotal"))),
	)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := heading("Fleet Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
				if errMsg := getStr(check, "error"); errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatProxies(raw, stats json.RawMessage) string {
	var proxies []map[string]any
	if err := json.Unmarshal(raw, &proxies); err != nil {
		return fmt.Sprintf("Error parsing proxies: %v", err)
	}
	if len(proxies) == 0 {
		return heading("Proxies") + "\nNo proxies configured; the fleet sends directly."
	}

	counts := map[string][2]float64{}
	var rows []map[string]any
	if json.Unmarshal(stats, &rows) == nil {
		for _, r := range rows {
			counts[getStr(r, "proxyUrl")] = [2]float64{getNum(r, "successes"), getNum(r, "failures")}
		}
	}

	banned := 0
	var b strings.Builder
	for _, p := range proxies {
		state := "ok"
		if v, _ := p["banned"].(bool); v {
			state = "BANNED"
			banned++
		}
		key := getStr(p, "proxy")
		fmt.Fprintf(&b, "  %s %-40s %-7s", proxyLabel(getNum(p, "index")), key, state)
		if c, ok := counts[key]; ok {
			fmt.Fprintf(&b, " ok=%s fail=%s", count(c[0]), count(c[1]))
		}
		b.WriteByte('\n')
	}

	return report(
		heading("Proxies"),
		field("Total", len(proxies)),
		field("Banned", banned),
		"",
	) + "\n" + b.String()
}

func formatResults(raw json.RawMessage) string {
	var results []map[string]any
	if err := json.Unmarshal(raw, &results); err != nil {
		return fmt.Sprintf("Error parsing results: %v", err)
	}
	if len(results) == 0 {
		return heading("Recent Results") + "\nNo results recorded yet."
	}

	lines := heading("Recent Results") + "\n"
	for _, r := range results {
		lines += fmt.Sprintf("  %s %-7s %-16s w=%s %8s  %s\n",
			timeOfDay(getStr(r, "timestamp")), getStr(r, "status"), getStr(r, "taskName"),
			shortWallet(getStr(r, "wallet")), latency(getNum(r, "duration")), getStr(r, "message"))
	}
	return lines
}

func formatTaskCounts(raw json.RawMessage) string {
	var counts []map[string]any
	if err := json.Unmarshal(raw, &counts); err != nil {
		return fmt.Sprintf("Error parsing task counts: %v", err)
	}
	if len(counts) == 0 {
		return heading("Task Counts") + "\nNo results for this run yet."
	}

	lines := heading("Task Counts") + "\n"
	for _, c := range counts {
		lines += fmt.Sprintf("  %-20s %-8s %s\n", getStr(c, "taskName"), getStr(c, "status"), count(getNum(c, "count")))
	}
	return lines
}

func formatNonce(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing nonce state: %v", err)
	}

	confirmed := "none"
	if v, _ := m["hasConfirmed"].(bool); v {
		confirmed = count(getNum(m, "confirmed"))
	}
	return report(
		heading("Nonce State"),
		field("Wallet", getStr(m, "wallet")),
		field("Next", count(getNum(m, "cachedNext"))),
		field("Confirmed", confirmed),
		field("Reserved", count(getNum(m, "reserved"))),
		field("In Flight", count(getNum(m, "inFlight"))),
		field("Recyclable", count(getNum(m, "recyclable"))),
		field("Tracked", count(getNum(m, "tracked"))),
	)
}

func formatRunTask(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing task result: %v", err)
	}
	res, _ := m["result"].(map[string]any)

	lines := report(
		heading("Task "+getStr(res, "taskName")),
		field("Status", getStr(res, "status")),
		field("Wallet", getStr(res, "wallet")),
		field("Duration", latency(getNum(res, "duration"))),
		field("Message", getStr(res, "message")),
	)
	if errMsg := getStr(m, "error"); errMsg != "" {
		lines += "\n" + field("Error", errMsg)
	}
	return lines
}

// lastFlush reads the sink's last write time, which is the zero time until
// the first batch lands.
func lastFlush(sink map[string]any) string {
	t, err := time.Parse(time.RFC3339Nano, getStr(sink, "lastFlush"))
	if err != nil || t.IsZero() {
		return "never"
	}
	return t.Format(time.TimeOnly)
}
