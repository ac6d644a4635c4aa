package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mfateev/sandbox-agent/internal/tools"
	"github.com/mfateev/sandbox-agent/internal/workspace"
)

// NewTools exposes m as capabilities.
func NewTools(m *Manager) []tools.ToolHandler {
	return []tools.ToolHandler{
		&listTool{m},
		&cloneTool{m},
		&statusTool{m},
		&commitTool{m},
		&remoteTool{m: m, verb: "push"},
		&remoteTool{m: m, verb: "pull"},
		&configTool{m},
	}
}

// toolError turns a manager error into either a validation error (nothing
// happened) or a failure result.
func toolError(err error) (*tools.ToolOutput, error) {
	switch {
	case errors.Is(err, workspace.ErrOutsideWorkspace), errors.Is(err, ErrInvalidCommitMessage):
		return nil, tools.WrapValidationError(err)
	case errors.Is(err, ErrDisabled):
		return tools.NewFailure("Git functionality is disabled"), nil
	default:
		return tools.NewFailure("%v", err), nil
	}
}

type repoArgs struct {
	RepoPath string `json:"repo_path"`
}

func (a *repoArgs) Validate() error { return tools.RequireString("repo_path", a.RepoPath) }

type listTool struct{ m *Manager }

func (t *listTool) Name() string         { return "list_git_repositories" }
func (t *listTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *listTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{Name: t.Name(), Description: "List git repositories in the workspace"}
}

func (t *listTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *listTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	if err := tools.DecodeArgs(invocation.Arguments, &struct{}{}); err != nil {
		return nil, err
	}
	repos, err := t.m.ListRepositories(ctx)
	if err != nil {
		return toolError(err)
	}
	return tools.NewSuccess(fmt.Sprintf("Found %d repositories", len(repos)), repos), nil
}

type cloneTool struct{ m *Manager }

type cloneArgs struct {
	RepoURL  string `json:"repo_url"`
	RepoPath string `json:"repo_path"`
	UseSSH   *bool  `json:"use_ssh"`
}

func (a *cloneArgs) Validate() error {
	if err := tools.RequireString("repo_url", a.RepoURL); err != nil {
		return err
	}
	if strings.HasPrefix(a.RepoURL, "-") {
		return tools.Validationf("repo_url must be a URL")
	}
	return tools.RequireString("repo_path", a.RepoPath)
}

func (t *cloneTool) Name() string         { return "git_clone" }
func (t *cloneTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *cloneTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Clone a repository into a workspace folder",
		Parameters: []tools.ToolParameter{
			{Name: "repo_url", Type: "str", Description: "Repository URL", Required: true},
			{Name: "repo_path", Type: "str", Description: "Destination folder", Required: true},
			{Name: "use_ssh", Type: "bool", Description: "Use SSH authentication (default true)"},
		},
	}
}

func (t *cloneTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *cloneTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args cloneArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	useSSH := args.UseSSH == nil || *args.UseSSH
	repo, err := t.m.Clone(ctx, args.RepoURL, args.RepoPath, useSSH)
	if err != nil {
		return toolError(err)
	}
	return tools.NewSuccess("Repository cloned into "+repo.Path, repo), nil
}

type statusTool struct{ m *Manager }

func (t *statusTool) Name() string         { return "git_status" }
func (t *statusTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *statusTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Show branch, latest commit and changed files of a repository",
		Parameters:  []tools.ToolParameter{{Name: "repo_path", Type: "str", Description: "Repository folder", Required: true}},
	}
}

func (t *statusTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *statusTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args repoArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	st, err := t.m.Status(ctx, args.RepoPath)
	if err != nil {
		return toolError(err)
	}
	summary := fmt.Sprintf("%s on %s", st.Repo, st.Branch)
	if !st.HasChanges {
		summary += ", clean"
	}
	return tools.NewSuccess(summary, st), nil
}

type commitTool struct{ m *Manager }

type commitArgs struct {
	RepoPath string   `json:"repo_path"`
	Message  string   `json:"message"`
	Files    []string `json:"files"`
}

func (a *commitArgs) Validate() error {
	if err := tools.RequireString("repo_path", a.RepoPath); err != nil {
		return err
	}
	return tools.RequireString("message", a.Message)
}

func (t *commitTool) Name() string         { return "git_commit" }
func (t *commitTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *commitTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Commit changes; message must be conventional, e.g. feat(ui): add page",
		Parameters: []tools.ToolParameter{
			{Name: "repo_path", Type: "str", Description: "Repository folder", Required: true},
			{Name: "message", Type: "str", Description: "Conventional commit message", Required: true},
			{Name: "files", Type: "list", Description: "Files to stage; all changes when omitted"},
		},
	}
}

func (t *commitTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *commitTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args commitArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	hash, err := t.m.Commit(ctx, args.RepoPath, args.Message, args.Files)
	if err != nil {
		return toolError(err)
	}
	if hash == "" {
		return tools.NewSuccess("No changes to commit", nil), nil
	}
	return tools.NewSuccess("Committed "+hash, map[string]string{"commit": hash}), nil
}

// remoteTool is git_push or git_pull.
type remoteTool struct {
	m    *Manager
	verb string
}

type remoteArgs struct {
	RepoPath string `json:"repo_path"`
	Branch   string `json:"branch"`
}

func (a *remoteArgs) Validate() error { return tools.RequireString("repo_path", a.RepoPath) }

func (t *remoteTool) Name() string         { return "git_" + t.verb }
func (t *remoteTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *remoteTool) Spec() tools.ToolSpec {
	desc := "Push commits to origin"
	if t.verb == "pull" {
		desc = "Pull changes from origin"
	}
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: desc,
		Parameters: []tools.ToolParameter{
			{Name: "repo_path", Type: "str", Description: "Repository folder", Required: true},
			{Name: "branch", Type: "str", Description: "Branch (default main)"},
		},
	}
}

func (t *remoteTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *remoteTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args remoteArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}
	branch := args.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	var err error
	if t.verb == "push" {
		err = t.m.Push(ctx, args.RepoPath, branch)
	} else {
		err = t.m.Pull(ctx, args.RepoPath, branch)
	}
	if err != nil {
		return toolError(err)
	}
	if t.verb == "push" {
		return tools.NewSuccess(fmt.Sprintf("Pushed %s to origin/%s", args.RepoPath, branch), nil), nil
	}
	return tools.NewSuccess(fmt.Sprintf("Pulled origin/%s into %s", branch, args.RepoPath), nil), nil
}

type configTool struct{ m *Manager }

func (t *configTool) Name() string         { return "get_git_config" }
func (t *configTool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *configTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{Name: t.Name(), Description: "Show git identity and settings"}
}

func (t *configTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *configTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	if err := tools.DecodeArgs(invocation.Arguments, &struct{}{}); err != nil {
		return nil, err
	}
	st := t.m.ConfigStatus(ctx)
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	return tools.NewSuccess("Git is "+state, st), nil
}
