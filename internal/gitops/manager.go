// Package gitops runs git against repositories that live inside the
// workspace. Every operation is confined by the workspace guard and
// serialized; commits must use the conventional commit format.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/workspace"
)

// CommandTimeout bounds a single git invocation.
const CommandTimeout = 30 * time.Second

// DefaultBranch is used by push and pull when no branch is given.
const DefaultBranch = "main"

var (
	// ErrDisabled is returned by every mutating operation when git is off.
	ErrDisabled = errors.New("git functionality is disabled")
	// ErrInvalidCommitMessage is returned before git runs when a commit
	// message is not in conventional commit form.
	ErrInvalidCommitMessage = errors.New("invalid commit message")
	// ErrNotRepository is returned when repo_path has no .git directory.
	ErrNotRepository = errors.New("not a git repository")
)

var commitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf)(\(.+\))?: .{1,100}$`)

var (
	httpsGitHub = regexp.MustCompile(`^https://github\.com/([^/]+)/(.+?)(?:\.git)?$`)
	sshGitHub   = regexp.MustCompile(`^git@github\.com:([^/]+)/(.+?)(?:\.git)?$`)
	remoteOwner = regexp.MustCompile(`[:/]([^/]+)/([^/]+?)(\.git)?$`)
)

// Config controls identity and authentication.
type Config struct {
	Enabled    bool
	UserName   string
	UserEmail  string
	SSHKeyPath string
	// AllowFreeformCommits disables the conventional commit check.
	AllowFreeformCommits bool
}

// Runner executes git. The default implementation shells out; tests
// substitute a recorder.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (stdout, stderr string, err error)
}

// Repository describes a repository found in the workspace.
type Repository struct {
	Path        string `json:"path"`
	URL         string `json:"url,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name"`
}

// Status is the summarized working tree state of a repository.
type Status struct {
	Repo         string   `json:"repo"`
	Path         string   `json:"path"`
	Branch       string   `json:"branch"`
	LatestCommit string   `json:"latest_commit"`
	Modified     []string `json:"modified_files"`
	Untracked    []string `json:"untracked_files"`
	Staged       []string `json:"staged_files"`
	HasChanges   bool     `json:"has_changes"`
}

// ConfigStatus reports how the manager is configured.
type ConfigStatus struct {
	Enabled               bool   `json:"enabled"`
	UserName              string `json:"git_user_name"`
	UserEmail             string `json:"git_user_email"`
	SSHKeyPath            string `json:"ssh_key_path"`
	Workspace             string `json:"workspace"`
	CommitFormatRequired  bool   `json:"commit_format_required"`
	RepositoriesAvailable int    `json:"repositories_count"`
}

// Manager performs git operations inside the workspace.
type Manager struct {
	guard  *workspace.Guard
	cfg    Config
	runner Runner
	logger *zap.Logger

	mu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRunner replaces the exec-based runner.
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager bound to guard. A manager that is enabled but
// has no committer email is disabled with a warning.
func NewManager(guard *workspace.Guard, cfg Config, opts ...Option) *Manager {
	m := &Manager{guard: guard, cfg: cfg, runner: execRunner{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Enabled && m.cfg.UserEmail == "" {
		m.logger.Warn("Git user email not configured, git operations disabled")
		m.cfg.Enabled = false
	}
	return m
}

// Enabled reports whether mutating operations are allowed.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// ValidateCommitMessage checks the first line of message against the
// conventional commit format.
func ValidateCommitMessage(message string) error {
	first, _, _ := strings.Cut(message, "\n")
	first = strings.TrimSpace(first)
	if commitPattern.MatchString(first) {
		return nil
	}
	return fmt.Errorf("%w: must follow conventional commits format type(scope?): description "+
		"(types: feat, fix, docs, style, refactor, test, chore, perf; example: feat(email): add email sending capability); got %q",
		ErrInvalidCommitMessage, first)
}

// ConvertURL rewrites GitHub URLs between https and ssh form.
func ConvertURL(url string, useSSH bool) string {
	if useSSH {
		if m := httpsGitHub.FindStringSubmatch(url); m != nil {
			return fmt.Sprintf("git@github.com:%s/%s.git", m[1], m[2])
		}
		return url
	}
	if m := sshGitHub.FindStringSubmatch(url); m != nil {
		return fmt.Sprintf("https://github.com/%s/%s.git", m[1], m[2])
	}
	return url
}

// ListRepositories walks the workspace for directories holding .git.
func (m *Manager) ListRepositories(ctx context.Context) ([]Repository, error) {
	var dirs []string
	err := filepath.WalkDir(m.guard.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			dirs = append(dirs, filepath.Dir(path))
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)

	repos := make([]Repository, 0, len(dirs))
	for _, dir := range dirs {
		repos = append(repos, m.describe(ctx, dir))
	}
	return repos, nil
}

// Clone clones url into repoPath, converting GitHub URLs to match useSSH.
func (m *Manager) Clone(ctx context.Context, url, repoPath string, useSSH bool) (Repository, error) {
	if !m.cfg.Enabled {
		return Repository{}, ErrDisabled
	}
	dest, err := m.guard.Resolve(repoPath)
	if err != nil {
		return Repository{}, err
	}
	if dest == m.guard.Root() {
		return Repository{}, fmt.Errorf("%w: cannot clone into the workspace root", workspace.ErrOutsideWorkspace)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Repository{}, err
	}
	url = ConvertURL(url, useSSH)
	if _, err := m.git(ctx, parent, "clone", url, dest); err != nil {
		return Repository{}, err
	}
	m.logger.Info("Repository cloned", zap.String("url", url), zap.String("path", m.guard.Rel(dest)))
	return m.describe(ctx, dest), nil
}

// Status summarizes the working tree of repoPath.
func (m *Manager) Status(ctx context.Context, repoPath string) (Status, error) {
	dir, err := m.repo(repoPath)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	porcelain, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Repo:         m.describe(ctx, dir).DisplayName,
		Path:         m.guard.Rel(dir),
		Branch:       "unknown",
		LatestCommit: "No commits",
		Modified:     []string{},
		Untracked:    []string{},
		Staged:       []string{},
	}
	if out, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		st.Branch = strings.TrimSpace(out)
	}
	if out, err := m.git(ctx, dir, "log", "-1", "--pretty=format:%h - %s"); err == nil && strings.TrimSpace(out) != "" {
		st.LatestCommit = strings.TrimSpace(out)
	}

	for _, line := range strings.Split(strings.TrimRight(porcelain, "\n"), "\n") {
		if len(line) < 4 {
			continue
		}
		st.HasChanges = true
		name := line[3:]
		switch {
		case strings.HasPrefix(line, "??"):
			st.Untracked = append(st.Untracked, name)
		case line[1] == 'M':
			st.Modified = append(st.Modified, name)
		}
		if strings.ContainsRune("AMDR", rune(line[0])) {
			st.Staged = append(st.Staged, name)
		}
	}
	return st, nil
}

// Commit stages files (or everything when files is empty) and commits. The
// message is validated before git is invoked. It returns the short hash, or
// "" when there was nothing to commit.
func (m *Manager) Commit(ctx context.Context, repoPath, message string, files []string) (string, error) {
	if !m.cfg.Enabled {
		return "", ErrDisabled
	}
	if !m.cfg.AllowFreeformCommits {
		if err := ValidateCommitMessage(message); err != nil {
			return "", err
		}
	}
	dir, err := m.repo(repoPath)
	if err != nil {
		return "", err
	}

	// Staged paths go through the guard too.
	stage := []string{"add", "-A"}
	if len(files) > 0 {
		stage = []string{"add", "--"}
		for _, f := range files {
			abs, err := m.guard.Resolve(filepath.Join(m.guard.Rel(dir), f))
			if err != nil {
				return "", err
			}
			rel, err := filepath.Rel(dir, abs)
			if err != nil || strings.HasPrefix(rel, "..") {
				return "", fmt.Errorf("%w: %s is outside the repository", workspace.ErrOutsideWorkspace, f)
			}
			stage = append(stage, rel)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.git(ctx, dir, stage...); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if _, err := m.git(ctx, dir, "commit", "-m", message); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
			return "", nil
		}
		return "", err
	}
	hash, err := m.git(ctx, dir, "rev-parse", "--short=7", "HEAD")
	if err != nil {
		return "", err
	}
	hash = strings.TrimSpace(hash)
	m.logger.Info("Commit created", zap.String("path", m.guard.Rel(dir)), zap.String("commit", hash))
	return hash, nil
}

// Push pushes branch to origin.
func (m *Manager) Push(ctx context.Context, repoPath, branch string) error {
	return m.remote(ctx, "push", repoPath, branch)
}

// Pull pulls branch from origin.
func (m *Manager) Pull(ctx context.Context, repoPath, branch string) error {
	return m.remote(ctx, "pull", repoPath, branch)
}

func (m *Manager) remote(ctx context.Context, verb, repoPath, branch string) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}
	if branch == "" {
		branch = DefaultBranch
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	dir, err := m.repo(repoPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.git(ctx, dir, verb, "origin", branch); err != nil {
		return err
	}
	m.logger.Info("Git "+verb, zap.String("path", m.guard.Rel(dir)), zap.String("branch", branch))
	return nil
}

// ConfigStatus reports the manager configuration.
func (m *Manager) ConfigStatus(ctx context.Context) ConfigStatus {
	st := ConfigStatus{
		Enabled:              m.cfg.Enabled,
		UserName:             m.cfg.UserName,
		UserEmail:            m.cfg.UserEmail,
		SSHKeyPath:           m.cfg.SSHKeyPath,
		Workspace:            m.guard.Root(),
		CommitFormatRequired: !m.cfg.AllowFreeformCommits,
	}
	if !m.cfg.Enabled {
		st.UserEmail = "Not configured"
	}
	if repos, err := m.ListRepositories(ctx); err == nil {
		st.RepositoriesAvailable = len(repos)
	}
	return st
}

// repo resolves repoPath and checks that it is a repository.
func (m *Manager) repo(repoPath string) (string, error) {
	dir, err := m.guard.Resolve(repoPath)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotRepository, repoPath)
	}
	return dir, nil
}

func (m *Manager) describe(ctx context.Context, dir string) Repository {
	repo := Repository{Path: m.guard.Rel(dir)}
	if url, err := m.git(ctx, dir, "config", "--get", "remote.origin.url"); err == nil {
		repo.URL = strings.TrimSpace(url)
		if match := remoteOwner.FindStringSubmatch(repo.URL); match != nil {
			repo.Owner, repo.Name = match[1], match[2]
		}
	}
	switch {
	case repo.Owner != "" && repo.Name != "":
		repo.DisplayName = repo.Owner + "/" + repo.Name
	default:
		repo.DisplayName = filepath.Base(dir)
	}
	return repo
}

// git runs one git command with the configured identity and ssh key.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	full := make([]string, 0, len(args)+4)
	if m.cfg.UserName != "" {
		full = append(full, "-c", "user.name="+m.cfg.UserName)
	}
	if m.cfg.UserEmail != "" {
		full = append(full, "-c", "user.email="+m.cfg.UserEmail)
	}
	full = append(full, args...)

	var env []string
	if m.cfg.SSHKeyPath != "" {
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new", m.cfg.SSHKeyPath))
	}

	stdout, stderr, err := m.runner.Run(ctx, dir, env, full...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stdout, fmt.Errorf("git %s timed out after %d seconds", args[0], int(CommandTimeout.Seconds()))
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(stdout)
		}
		if msg == "" {
			msg = err.Error()
		}
		return stdout, fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout, nil
}
