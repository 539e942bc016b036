package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/errors"
	"github.com/taskforge/taskforge/internal/task/models"
)

const gitAuthorName = "taskforge"
const gitAuthorEmail = "agent@taskforge.local"

// runner returns the CommandRunner for state's provider, or nil if that
// provider doesn't support one. A nil return means the calling stage is a
// no-op for this provider, per CommandRunner's documented contract.
func (p *Pipeline) runner(state *pipelineState) sandbox.CommandRunner {
	provider, ok := p.registry.For(state.task.SandboxProvider)
	if !ok {
		return nil
	}
	runner, ok := provider.(sandbox.CommandRunner)
	if !ok {
		return nil
	}
	return runner
}

func (p *Pipeline) run(ctx context.Context, state *pipelineState, runner sandbox.CommandRunner, cmd []string, env map[string]string) (*sandbox.CommandResult, error) {
	p.appendLog(state, models.LogCommand, strings.Join(cmd, " "))
	result, err := runner.RunCommand(ctx, state.handle, cmd, env)
	if err != nil {
		return nil, err
	}
	if result.Output != "" {
		for _, line := range strings.Split(strings.TrimRight(result.Output, "\n"), "\n") {
			if line == "" {
				continue
			}
			p.appendLog(state, models.LogInfo, line)
		}
	}
	return result, nil
}

// installDependencies implements stage 6. Detects a Node or Python manifest
// in the checked-out repo and installs with the first available lockfile
// tool, falling back to the generic installer. A missing manifest, or a
// provider without shell access, is a silent no-op, not a failure.
func (p *Pipeline) installDependencies(ctx context.Context, state *pipelineState) error {
	if !state.task.InstallDependencies {
		return nil
	}
	runner := p.runner(state)
	if runner == nil {
		p.appendLog(state, models.LogInfo, "provider does not support shell execution, skipping dependency install")
		return nil
	}

	hasFile := func(name string) bool {
		result, err := runner.RunCommand(ctx, state.handle, []string{"test", "-f", name}, nil)
		return err == nil && result.ExitCode == 0
	}

	var installCmd []string
	switch {
	case hasFile("pnpm-lock.yaml"):
		installCmd = []string{"pnpm", "install", "--frozen-lockfile"}
	case hasFile("yarn.lock"):
		installCmd = []string{"yarn", "install", "--frozen-lockfile"}
	case hasFile("package-lock.json"):
		installCmd = []string{"npm", "ci"}
	case hasFile("package.json"):
		installCmd = []string{"npm", "install"}
	case hasFile("requirements.txt"):
		installCmd = []string{"pip", "install", "-r", "requirements.txt"}
	case hasFile("pyproject.toml"):
		installCmd = []string{"pip", "install", "."}
	default:
		p.appendLog(state, models.LogInfo, "no recognized dependency manifest, skipping install")
		return nil
	}

	result, err := p.run(ctx, state, runner, installCmd, nil)
	if err != nil {
		return errors.Wrap(errors.KindDependencyInstallFailed, "dependency install failed to run", err)
	}
	if result.ExitCode != 0 {
		return errors.New(errors.KindDependencyInstallFailed, fmt.Sprintf("dependency install exited %d", result.ExitCode))
	}
	return nil
}

// configureGit implements stage 7: set a local committer identity inside the
// sandbox so the commit-and-push stage has an author to attribute to.
func (p *Pipeline) configureGit(ctx context.Context, state *pipelineState) error {
	runner := p.runner(state)
	if runner == nil {
		return nil
	}

	steps := [][]string{
		{"git", "config", "user.name", gitAuthorName},
		{"git", "config", "user.email", gitAuthorEmail},
	}
	for _, step := range steps {
		result, err := p.run(ctx, state, runner, step, nil)
		if err != nil {
			return errors.Wrap(errors.KindGitConfigFailed, "git config failed to run", err)
		}
		if result.ExitCode != 0 {
			return errors.New(errors.KindGitConfigFailed, fmt.Sprintf("git config exited %d", result.ExitCode))
		}
	}
	return nil
}

// checkoutBranch implements stage 8: check out the task's existing branch
// when resuming, or create the freshly decided branch name, per the branch
// checkout policy.
func (p *Pipeline) checkoutBranch(ctx context.Context, state *pipelineState) error {
	runner := p.runner(state)
	if runner == nil {
		return nil
	}

	if state.task.ExistingBranchName != nil && *state.task.ExistingBranchName != "" {
		result, err := p.run(ctx, state, runner, []string{"git", "checkout", *state.task.ExistingBranchName}, nil)
		if err != nil {
			return errors.Wrap(errors.KindBranchCheckoutFailed, "branch checkout failed to run", err)
		}
		if result.ExitCode != 0 {
			return errors.New(errors.KindBranchCheckoutFailed, fmt.Sprintf("checkout of existing branch exited %d", result.ExitCode))
		}
		return nil
	}

	branch := ""
	if state.task.BranchName != nil {
		branch = *state.task.BranchName
	}
	if branch == "" {
		return errors.New(errors.KindBranchCheckoutFailed, "no branch name decided before checkout stage")
	}

	result, err := p.run(ctx, state, runner, []string{"git", "checkout", "-b", branch}, nil)
	if err != nil {
		return errors.Wrap(errors.KindBranchCheckoutFailed, "branch creation failed to run", err)
	}
	if result.ExitCode != 0 {
		return errors.New(errors.KindBranchCheckoutFailed, fmt.Sprintf("branch creation exited %d", result.ExitCode))
	}
	return nil
}

// commitAndPush implements stage 10. An agent run that leaves a clean
// working tree (nothing to commit) is not an error; the push is simply
// skipped.
func (p *Pipeline) commitAndPush(ctx context.Context, state *pipelineState) error {
	runner := p.runner(state)
	if runner == nil {
		return nil
	}

	status, err := p.run(ctx, state, runner, []string{"git", "status", "--porcelain"}, nil)
	if err != nil {
		return errors.Wrap(errors.KindPushFailed, "git status failed to run", err)
	}
	if strings.TrimSpace(status.Output) == "" {
		p.appendLog(state, models.LogSuccess, "no changes to commit, nothing to push")
		return nil
	}

	addResult, err := p.run(ctx, state, runner, []string{"git", "add", "-A"}, nil)
	if err != nil {
		return errors.Wrap(errors.KindPushFailed, "git add failed to run", err)
	}
	if addResult.ExitCode != 0 {
		return errors.New(errors.KindPushFailed, fmt.Sprintf("git add exited %d", addResult.ExitCode))
	}

	commitMsg := commitMessage(state)
	commitResult, err := p.run(ctx, state, runner, []string{"git", "commit", "-m", commitMsg}, nil)
	if err != nil {
		return errors.Wrap(errors.KindPushFailed, "git commit failed to run", err)
	}
	if commitResult.ExitCode != 0 {
		return errors.New(errors.KindPushFailed, fmt.Sprintf("git commit exited %d", commitResult.ExitCode))
	}

	branch := ""
	if state.task.BranchName != nil {
		branch = *state.task.BranchName
	}
	pushResult, err := p.run(ctx, state, runner, []string{"git", "push", "origin", "HEAD:" + branch}, nil)
	if err != nil {
		return errors.Wrap(errors.KindPushFailed, "git push failed to run", err)
	}
	if pushResult.ExitCode != 0 {
		return errors.New(errors.KindPushFailed, fmt.Sprintf("git push exited %d", pushResult.ExitCode))
	}

	p.appendLog(state, models.LogSuccess, fmt.Sprintf("pushed branch %s", branch))
	p.logger.Info("pushed agent changes", zap.String("task_id", state.task.ID), zap.String("branch", branch))
	return nil
}

func commitMessage(state *pipelineState) string {
	prompt := strings.TrimSpace(state.task.Prompt)
	if len(prompt) > 72 {
		prompt = prompt[:72]
	}
	if prompt == "" {
		prompt = "automated changes"
	}
	return fmt.Sprintf("taskforge: %s", prompt)
}
