package cloudapi

import (
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

var agentBinary = map[models.AgentType]string{
	models.AgentClaude:   "claude",
	models.AgentCodex:    "codex",
	models.AgentCursor:   "cursor-agent",
	models.AgentGemini:   "gemini",
	models.AgentOpenCode: "opencode",
}

// agentInvocation builds the command line for running req's selected agent
// non-interactively, the same lookup the docker provider uses.
func agentInvocation(req sandbox.AgentExecRequest) []string {
	bin, ok := agentBinary[req.Agent]
	if !ok {
		bin = string(req.Agent)
	}
	cmd := []string{bin, "--prompt", req.Prompt}
	if req.Model != "" {
		cmd = append(cmd, "--model", req.Model)
	}
	for _, id := range req.MCPServerIDs {
		cmd = append(cmd, "--mcp-server", id)
	}
	return cmd
}

// outputToLogEntries splits raw process output into Log Sink entries.
func outputToLogEntries(output string) []models.LogEntry {
	var logs []models.LogEntry
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		logs = append(logs, models.LogEntry{Type: models.LogInfo, Message: line, Timestamp: time.Now().UTC()})
	}
	return logs
}
