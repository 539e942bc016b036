// Package sandbox defines the Sandbox Provider contract and the in-memory
// registry that tracks live sandboxes across the orchestrator process.
package sandbox

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/task/models"
)

// CreateSpec describes the sandbox an Executor pipeline needs for one task
// run.
type CreateSpec struct {
	TaskID      string
	RepoURL     string
	BranchName  string
	Agent       models.AgentType
	MaxDuration time.Duration
	KeepAlive   bool
	Env         map[string]string
}

// AgentExecRequest carries everything ExecuteAgent needs to run the coding
// agent CLI inside an already-created sandbox.
type AgentExecRequest struct {
	Prompt              string
	Agent               models.AgentType
	Model               string
	MCPServerIDs        []string
	ConversationHistory []models.TaskMessage
	InstallDependencies bool

	// OnLogEntry, when set, is invoked once per log entry as the agent
	// process produces it, so the caller can forward each line to the Log
	// Sink as it happens instead of waiting for the run to finish. A
	// provider whose backend only returns a transcript after the fact
	// (an HTTP API with no streaming endpoint) may leave this unused and
	// return the transcript in AgentExecResult.Logs instead.
	OnLogEntry func(models.LogEntry)
}

// AgentExecResult is what the agent process produced, before the Executor's
// commit-and-push stage runs. Logs is only populated by providers that
// don't stream through OnLogEntry; a streaming provider reports ExitCode
// alone.
type AgentExecResult struct {
	ExitCode int
	Logs     []models.LogEntry
}

// Provider is the contract every sandbox backend satisfies: create an
// isolated environment, run the agent inside it, and tear it down. All
// three methods accept a context so the Executor's per-stage cancellation
// probe can abort long-running calls; ExecuteAgent in particular is given a
// context that the Executor cancels mid-run, roughly every 500ms, once it
// observes the task's status flip to stopped, since it's the one stage long
// enough to run past the next stage-boundary probe.
type Provider interface {
	// Create provisions a sandbox for the task and returns a handle the
	// Registry will track for the task's lifetime.
	Create(ctx context.Context, spec CreateSpec) (*models.SandboxHandle, error)

	// ExecuteAgent runs the selected coding agent inside the sandbox
	// identified by handle and streams back its terminal result.
	ExecuteAgent(ctx context.Context, handle *models.SandboxHandle, req AgentExecRequest) (*AgentExecResult, error)

	// Destroy tears the sandbox down. It must be safe to call more than
	// once and safe to call on a handle whose underlying resource is
	// already gone.
	Destroy(ctx context.Context, handle *models.SandboxHandle) error
}

// CommandResult is the outcome of one in-sandbox shell command.
type CommandResult struct {
	ExitCode int
	Output   string
}

// CommandRunner is implemented by providers that can run an arbitrary shell
// command inside an already-created sandbox. The Executor's dependency
// install, git configuration, branch checkout, and commit-and-push stages
// all go through this interface rather than through Provider itself, since
// those stages are the same sequence of shell commands regardless of which
// provider created the sandbox. A provider that cannot support arbitrary
// commands (a pure HTTP API with no shell access) simply does not implement
// this interface; the Executor treats that as those stages being no-ops for
// that provider.
type CommandRunner interface {
	RunCommand(ctx context.Context, handle *models.SandboxHandle, cmd []string, env map[string]string) (*CommandResult, error)
}

// Registry maps ProviderType to a concrete Provider implementation.
type Registry struct {
	providers map[models.SandboxProviderType]Provider
}

// NewRegistry builds a Registry from a type->Provider map. It is a plain
// constructor, not a package-level singleton, so tests can wire fakes per
// provider type.
func NewRegistry(providers map[models.SandboxProviderType]Provider) *Registry {
	return &Registry{providers: providers}
}

// For returns the Provider registered for t, or false if none is wired.
func (r *Registry) For(t models.SandboxProviderType) (Provider, bool) {
	p, ok := r.providers[t]
	return p, ok
}
