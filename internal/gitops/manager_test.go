package gitops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/sandbox-agent/internal/tools"
	"github.com/mfateev/sandbox-agent/internal/workspace"
)

type call struct {
	dir  string
	env  []string
	args []string
}

// fakeRunner records invocations and answers from a table keyed by the git
// subcommand.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	outputs map[string]string
	fail    map[string]string
}

func (r *fakeRunner) Run(_ context.Context, dir string, env []string, args ...string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{dir: dir, env: env, args: args})

	sub := subcommand(args)
	if msg, ok := r.fail[sub]; ok {
		return "", msg, errors.New("exit status 1")
	}
	return r.outputs[sub], "", nil
}

// subcommand skips the -c identity flags.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

func (r *fakeRunner) subcommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, subcommand(c.args))
	}
	return out
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeRunner, string) {
	t.Helper()
	guard, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	runner := &fakeRunner{outputs: map[string]string{}, fail: map[string]string{}}
	return NewManager(guard, cfg, WithRunner(runner)), runner, guard.Root()
}

func enabled() Config {
	return Config{Enabled: true, UserName: "Agent", UserEmail: "agent@example.com", SSHKeyPath: "/keys/id"}
}

func makeRepo(t *testing.T, root, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, name, ".git"), 0o755))
}

func TestValidateCommitMessage(t *testing.T) {
	valid := []string{
		"feat: add login",
		"fix(api): handle nil body",
		"docs(readme): explain setup\n\nlonger body here",
		"perf: speed up",
	}
	for _, msg := range valid {
		assert.NoError(t, ValidateCommitMessage(msg), msg)
	}

	invalid := []string{
		"update stuff",
		"feat:missing space",
		"feature: wrong type",
		"fix(): " + strings.Repeat("x", 10),
		"feat: " + strings.Repeat("x", 101),
	}
	for _, msg := range invalid {
		err := ValidateCommitMessage(msg)
		assert.ErrorIs(t, err, ErrInvalidCommitMessage, msg)
	}
}

func TestConvertURL(t *testing.T) {
	assert.Equal(t, "git@github.com:acme/site.git", ConvertURL("https://github.com/acme/site", true))
	assert.Equal(t, "git@github.com:acme/site.git", ConvertURL("https://github.com/acme/site.git", true))
	assert.Equal(t, "https://github.com/acme/site.git", ConvertURL("git@github.com:acme/site.git", false))
	assert.Equal(t, "https://gitlab.com/acme/site.git", ConvertURL("https://gitlab.com/acme/site.git", true))
}

func TestCommit_RejectsNonConventionalWithoutRunningGit(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")

	_, err := m.Commit(context.Background(), "proj", "update stuff", nil)
	require.ErrorIs(t, err, ErrInvalidCommitMessage)
	assert.Empty(t, runner.calls)
}

func TestCommit_StagesAllAndReturnsHash(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")
	runner.outputs["rev-parse"] = "abc1234\n"

	hash, err := m.Commit(context.Background(), "proj", "feat: add page", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc1234", hash)
	assert.Equal(t, []string{"add", "commit", "rev-parse"}, runner.subcommands())

	first := runner.calls[0]
	assert.Equal(t, filepath.Join(root, "proj"), first.dir)
	assert.Equal(t, []string{"-c", "user.name=Agent", "-c", "user.email=agent@example.com", "add", "-A"}, first.args)
	require.Len(t, first.env, 1)
	assert.Contains(t, first.env[0], "GIT_SSH_COMMAND=ssh -i /keys/id")
}

func TestCommit_SelectedFiles(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")

	_, err := m.Commit(context.Background(), "proj", "fix: typo", []string{"README.md", "src/a.go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "--", "README.md", filepath.Join("src", "a.go")}, runner.calls[0].args[4:])
}

func TestCommit_FileOutsideRepoRejected(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")

	_, err := m.Commit(context.Background(), "proj", "fix: typo", []string{"../../etc/passwd"})
	require.ErrorIs(t, err, workspace.ErrOutsideWorkspace)
	assert.Empty(t, runner.calls)
}

func TestCommit_NothingToCommit(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")
	runner.fail["commit"] = "nothing to commit, working tree clean"

	hash, err := m.Commit(context.Background(), "proj", "chore: noop", nil)
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestDisabledManager(t *testing.T) {
	m, runner, root := newTestManager(t, Config{})
	makeRepo(t, root, "proj")

	_, err := m.Commit(context.Background(), "proj", "feat: x", nil)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, m.Push(context.Background(), "proj", ""), ErrDisabled)
	_, err = m.Clone(context.Background(), "https://github.com/a/b", "b", true)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Empty(t, runner.calls)
}

func TestEnabledWithoutEmailIsDisabled(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Enabled: true, UserName: "x"})
	assert.False(t, m.Enabled())
}

func TestRepoPathConfined(t *testing.T) {
	m, runner, _ := newTestManager(t, enabled())

	err := m.Pull(context.Background(), "../outside", "main")
	require.ErrorIs(t, err, workspace.ErrOutsideWorkspace)
	assert.Empty(t, runner.calls)
}

func TestNotARepository(t *testing.T) {
	m, _, root := newTestManager(t, enabled())
	require.NoError(t, os.MkdirAll(filepath.Join(root, "plain"), 0o755))

	_, err := m.Status(context.Background(), "plain")
	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestPushDefaultsToMain(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")

	require.NoError(t, m.Push(context.Background(), "proj", ""))
	assert.Equal(t, []string{"push", "origin", "main"}, runner.calls[0].args[4:])
}

func TestRemoteFailureCarriesStderr(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")
	runner.fail["pull"] = "fatal: couldn't find remote ref dev"

	err := m.Pull(context.Background(), "proj", "dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't find remote ref dev")
}

func TestStatus_ParsesPorcelain(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")
	runner.outputs["status"] = " M app.go\n?? new.txt\nA  added.go\n"
	runner.outputs["rev-parse"] = "main\n"
	runner.outputs["log"] = "abc1234 - feat: init"
	runner.outputs["config"] = "git@github.com:acme/proj.git\n"

	st, err := m.Status(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, "acme/proj", st.Repo)
	assert.Equal(t, "main", st.Branch)
	assert.Equal(t, "abc1234 - feat: init", st.LatestCommit)
	assert.Equal(t, []string{"app.go"}, st.Modified)
	assert.Equal(t, []string{"new.txt"}, st.Untracked)
	assert.Equal(t, []string{"added.go"}, st.Staged)
	assert.True(t, st.HasChanges)
}

func TestListRepositories(t *testing.T) {
	m, _, root := newTestManager(t, enabled())
	makeRepo(t, root, "b")
	makeRepo(t, root, "nested/a")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "plain"), 0o755))

	repos, err := m.ListRepositories(context.Background())
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "b", repos[0].Path)
	assert.Equal(t, "nested/a", repos[1].Path)
	assert.Equal(t, "a", repos[1].DisplayName)
}

func TestClone_ConvertsURL(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())

	_, err := m.Clone(context.Background(), "https://github.com/acme/site", "projects/site", true)
	require.NoError(t, err)
	first := runner.calls[0]
	assert.Equal(t, filepath.Join(root, "projects"), first.dir)
	assert.Equal(t, []string{"clone", "git@github.com:acme/site.git", filepath.Join(root, "projects", "site")}, first.args[4:])
}

func TestCommitTool_ReportsValidationFailure(t *testing.T) {
	m, runner, root := newTestManager(t, enabled())
	makeRepo(t, root, "proj")

	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(NewTools(m)...))

	out := registry.Dispatch(context.Background(), &tools.ToolInvocation{
		ToolName:  "git_commit",
		Arguments: map[string]interface{}{"repo_path": "proj", "message": "update stuff"},
	})
	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Content, "conventional commits")
	assert.Empty(t, runner.calls)
}

func TestGitToolsCatalogue(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	var names []string
	for _, h := range NewTools(m) {
		names = append(names, h.Name())
		assert.Equal(t, tools.ToolKindExternal, h.Kind())
	}
	assert.Equal(t, []string{
		"list_git_repositories", "git_clone", "git_status", "git_commit", "git_push", "git_pull", "get_git_config",
	}, names)
}
