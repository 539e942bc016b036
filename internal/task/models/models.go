// Package models defines the persistent and transient domain entities of the
// orchestration engine.
package models

import "time"

// TaskStatus is the lifecycle state of a Task. It advances monotonically
// through Pending -> Processing -> {Completed, Error, Stopped}.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusError      TaskStatus = "error"
	StatusStopped    TaskStatus = "stopped"
)

// IsTerminal reports whether status is one the pipeline will not leave.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	default:
		return false
	}
}

// AgentType identifies the external coding-agent CLI selected for a task.
type AgentType string

const (
	AgentClaude   AgentType = "claude"
	AgentCodex    AgentType = "codex"
	AgentCursor   AgentType = "cursor"
	AgentGemini   AgentType = "gemini"
	AgentOpenCode AgentType = "opencode"
)

// SandboxProviderType identifies which concrete Provider implementation
// should service a task.
type SandboxProviderType string

const (
	ProviderVercel  SandboxProviderType = "vercel"
	ProviderDocker  SandboxProviderType = "docker"
	ProviderE2B     SandboxProviderType = "e2b"
	ProviderDaytona SandboxProviderType = "daytona"
)

// LogEntryType classifies a single Log Sink entry.
type LogEntryType string

const (
	LogInfo    LogEntryType = "info"
	LogCommand LogEntryType = "command"
	LogError   LogEntryType = "error"
	LogSuccess LogEntryType = "success"
)

// LogEntry is one append-only transcript entry. Message must already have
// passed through the Redactor before construction.
type LogEntry struct {
	Type      LogEntryType `json:"type"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// SubAgentActivity captures opportunistic telemetry about a nested sub-agent
// spawned by the primary agent process.
type SubAgentActivity struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Task is one user request to run one agent against one repository for one
// instruction. It is mutated exclusively by the Executor instance currently
// owning its event, or by the Admission Layer's cancellation path, which may
// only ever write the status value StatusStopped.
type Task struct {
	ID                  string              `json:"id"`
	UserID              string              `json:"userId"`
	Prompt              string              `json:"prompt"`
	RepoURL             string              `json:"repoUrl"`
	SelectedAgent       AgentType           `json:"selectedAgent"`
	SelectedModel       string              `json:"selectedModel,omitempty"`
	SandboxProvider     SandboxProviderType `json:"sandboxProvider"`
	Status              TaskStatus          `json:"status"`
	Progress            int                 `json:"progress"`
	BranchName          *string             `json:"branchName"`
	ExistingBranchName  *string             `json:"existingBranchName,omitempty"`
	Logs                []LogEntry          `json:"logs"`
	SandboxURL          *string             `json:"sandboxUrl"`
	PRNumber            *int                `json:"prNumber"`
	PRUrl               *string             `json:"prUrl"`
	KeepAlive           bool                `json:"keepAlive"`
	MaxDuration         time.Duration       `json:"maxDuration"`
	MCPServerIDs        []string            `json:"mcpServerIds"`
	InstallDependencies bool                `json:"installDependencies"`
	CurrentSubAgent     string              `json:"currentSubAgent,omitempty"`
	SubAgentActivity    []SubAgentActivity  `json:"subAgentActivity,omitempty"`
	LastHeartbeat       *time.Time          `json:"lastHeartbeat,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
	DeletedAt           *time.Time          `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the task has been soft-deleted. Soft-deleted
// tasks are excluded from rate-limit counts and invisible to the user.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// MessageRole identifies the author of a TaskMessage.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// TaskMessage is a follow-up conversation entry appended after a task's
// initial completion.
type TaskMessage struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"taskId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ConnectorType distinguishes a locally-spawned MCP server from one reached
// over the network.
type ConnectorType string

const (
	ConnectorLocal  ConnectorType = "local"
	ConnectorRemote ConnectorType = "remote"
)

// Connector is a user-configured MCP server whose environment is injected
// into the agent process. Env is stored encrypted and decrypted only
// transiently inside the Executor immediately before agent invocation;
// plaintext never reaches the Log Sink.
type Connector struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Name      string        `json:"name"`
	Type      ConnectorType `json:"type"`
	Command   string        `json:"command,omitempty"`
	URL       string        `json:"url,omitempty"`
	EncEnv    []byte        `json:"-"`
}

// SandboxHandle is a transient, non-persisted reference to a live sandbox.
// It is created by Provider.Create, registered in the Sandbox Registry, and
// removed on Destroy or orphan cleanup.
type SandboxHandle struct {
	TaskID       string
	ProviderType SandboxProviderType
	Domain       *string
	NativeRef    string
}
