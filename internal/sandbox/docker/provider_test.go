package docker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func failingClientFactory(msg string) func(config.DockerConfig, *logger.Logger) (*Client, error) {
	return func(config.DockerConfig, *logger.Logger) (*Client, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

func TestNewProvider(t *testing.T) {
	p := NewProvider(config.DockerConfig{}, newTestLogger(t))
	require.NotNil(t, p)
	require.False(t, p.initialized)
	require.Nil(t, p.client)
}

func TestProvider_Create_PropagatesClientFailure(t *testing.T) {
	p := NewProvider(config.DockerConfig{}, newTestLogger(t))
	p.newClientFunc = failingClientFactory("no docker daemon")

	_, err := p.Create(context.Background(), sandbox.CreateSpec{TaskID: "t1", Agent: models.AgentClaude})
	require.Error(t, err)
	require.Contains(t, err.Error(), "docker unavailable")
}

func TestProvider_Destroy_PropagatesClientFailure(t *testing.T) {
	p := NewProvider(config.DockerConfig{}, newTestLogger(t))
	p.newClientFunc = failingClientFactory("no docker daemon")

	err := p.Destroy(context.Background(), &models.SandboxHandle{TaskID: "t1", NativeRef: "container-1"})
	require.Error(t, err)
}

func TestAgentCommand_KnownAgentUsesBinaryLookup(t *testing.T) {
	cmd := agentCommand(sandbox.AgentExecRequest{Agent: models.AgentClaude, Prompt: "do the thing", Model: "opus"})
	require.Equal(t, []string{"claude", "--prompt", "do the thing", "--model", "opus"}, cmd)
}

func TestAgentCommand_UnknownAgentFallsBackToTypeName(t *testing.T) {
	cmd := agentCommand(sandbox.AgentExecRequest{Agent: models.AgentType("mystery"), Prompt: "x"})
	require.Equal(t, []string{"mystery", "--prompt", "x"}, cmd)
}

var _ sandbox.Provider = (*Provider)(nil)
