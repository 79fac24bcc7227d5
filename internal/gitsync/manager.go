// Package gitsync keeps the sandbox workspace in step with the remote
// repository: clone, working-branch checkout, status, commit and push.
//
// Every public operation reports progress and failures through the event
// emitter and never panics. Git credentials travel only inside remote URLs
// passed to the git process; they are never logged and push diagnostics are
// never surfaced, since git may echo the URL back on stderr.
package gitsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/config"
	"github.com/webkaz/superset/internal/event"
)

var (
	// ErrCommandFailed is returned when a git command exits non-zero.
	ErrCommandFailed = errors.New("gitsync: git command failed") //nolint:gochecknoglobals // sentinel error
	// ErrTimeout is returned when a git command exceeds its time bound.
	ErrTimeout = errors.New("gitsync: git command timed out") //nolint:gochecknoglobals // sentinel error
	// ErrNoRepository is returned when the workspace has not been cloned.
	ErrNoRepository = errors.New("gitsync: no repository found") //nolint:gochecknoglobals // sentinel error
	// ErrAuthRequired is returned when a push lacks a token or repository coordinates.
	ErrAuthRequired = errors.New("gitsync: authentication required") //nolint:gochecknoglobals // sentinel error
)

// Messages returned to the control plane for named-branch pushes. They are
// fixed strings so no git output can leak a token.
const (
	MsgNoRepository   = "No repository found"
	MsgBranchRequired = "Push failed - branch name is required"
	MsgAuthRequired   = "Push failed - GitHub authentication token is required"
	MsgPushFailed     = "Push failed - authentication may be required"
)

const (
	defaultCloneDepth     = 100
	defaultCloneTimeout   = 5 * time.Minute
	defaultCommandTimeout = 60 * time.Second
	defaultCommitMessage  = "Changes from cloud workspace"
	defaultHost           = "github.com"
)

// Options configures a Manager.
type Options struct {
	Owner          string
	Name           string
	Branch         string // working branch
	BaseBranch     string
	Host           string
	WorkspaceRoot  string
	CloneDepth     int
	CloneTimeout   time.Duration
	CommandTimeout time.Duration
	CommitMessage  string
	TokenEnvKey    string
}

// OptionsFromConfig maps the session config onto manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Owner:          cfg.Repo.Owner,
		Name:           cfg.Repo.Name,
		Branch:         cfg.Repo.Branch,
		BaseBranch:     cfg.Repo.BaseBranch,
		Host:           cfg.Git.Host,
		WorkspaceRoot:  cfg.Git.WorkspaceRoot,
		CloneDepth:     cfg.Git.CloneDepth,
		CloneTimeout:   cfg.Git.CloneTimeout,
		CommandTimeout: cfg.Git.CommandTimeout,
		CommitMessage:  cfg.Git.CommitMessage,
		TokenEnvKey:    cfg.Git.TokenEnvKey,
	}
}

// Status is a point-in-time view of the workspace.
type Status struct {
	Branch       string   `json:"branch"`
	Commit       string   `json:"sha"`
	ChangedFiles []string `json:"changed_files"`
	HasChanges   bool     `json:"has_changes"`
}

// PushRequest asks for HEAD to be pushed to a named branch. Token, Owner and
// Name are optional overrides.
type PushRequest struct {
	Branch string
	Token  string //nolint:gosec // G117: fresh push credential
	Owner  string
	Name   string
}

// PushResult is the outcome of PushNamedBranch.
type PushResult struct {
	Success bool   `json:"success"`
	Branch  string `json:"branch,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Manager owns all git interaction with one workspace. Operations are not
// serialized against each other; callers run one git operation at a time.
type Manager struct {
	opts      Options
	workspace string
	emitter   *event.Emitter
	runner    Runner
}

func NewManager(opts Options, emitter *event.Emitter, runner Runner) *Manager {
	opts.BaseBranch = cmp.Or(opts.BaseBranch, "main")
	opts.Host = cmp.Or(opts.Host, defaultHost)
	opts.CommitMessage = cmp.Or(opts.CommitMessage, defaultCommitMessage)
	if opts.CloneDepth <= 0 {
		opts.CloneDepth = defaultCloneDepth
	}
	if opts.CloneTimeout <= 0 {
		opts.CloneTimeout = defaultCloneTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if emitter == nil {
		emitter = event.NewEmitter(nil)
	}

	return &Manager{
		opts:      opts,
		workspace: filepath.Join(opts.WorkspaceRoot, opts.Name),
		emitter:   emitter,
		runner:    runner,
	}
}

// Workspace returns the checkout directory.
func (m *Manager) Workspace() string {
	return m.workspace
}

// Clone replaces the workspace with a shallow clone of the repository.
func (m *Manager) Clone(ctx context.Context, token string) error {
	m.emitter.GitSync(ctx, "cloning", nil)

	if err := os.RemoveAll(m.workspace); err != nil {
		m.emitter.Error(ctx, "Failed to clean workspace: "+err.Error(), "")
		return fmt.Errorf("gitsync.Manager.Clone: clean workspace: %w", err)
	}
	if err := os.MkdirAll(m.opts.WorkspaceRoot, 0o755); err != nil {
		m.emitter.Error(ctx, "Git clone error: "+err.Error(), "")
		return fmt.Errorf("gitsync.Manager.Clone: workspace root: %w", err)
	}

	res, err := m.run(ctx, m.opts.CloneTimeout, m.opts.WorkspaceRoot,
		"clone", "--depth", strconv.Itoa(m.opts.CloneDepth),
		RemoteURL(m.opts.Host, m.opts.Owner, m.opts.Name, token), m.workspace)
	switch {
	case errors.Is(err, ErrTimeout):
		m.emitter.Error(ctx, "Git clone timed out", "")
		return fmt.Errorf("gitsync.Manager.Clone: %w", err)
	case err != nil:
		m.emitter.Error(ctx, "Git clone error: "+redact(err.Error(), token), "")
		return fmt.Errorf("gitsync.Manager.Clone: %w", err)
	case !res.OK():
		m.emitter.Error(ctx, "Git clone failed: "+redact(strings.TrimSpace(res.Stderr), token), "")
		return fmt.Errorf("gitsync.Manager.Clone: exit %d: %w", res.ExitCode, ErrCommandFailed)
	}

	m.emitter.GitSync(ctx, "cloned", map[string]any{"repo": m.opts.Owner + "/" + m.opts.Name})
	return nil
}

// CheckoutWorkingBranch checks out the working branch, tracking the remote
// branch when it exists and forking it from the base branch otherwise.
func (m *Manager) CheckoutWorkingBranch(ctx context.Context) error {
	branch, base := m.opts.Branch, m.opts.BaseBranch
	m.emitter.GitSync(ctx, "checking_out", map[string]any{"branch": branch})

	res, err := m.git(ctx, "fetch", "origin", trackingRefspec(base))
	if cmdErr := commandError(res, err); cmdErr != nil {
		m.emitter.Error(ctx, "Failed to fetch base branch: "+describe(res, err), "")
		return fmt.Errorf("gitsync.Manager.CheckoutWorkingBranch: fetch %s: %w", base, cmdErr)
	}

	if m.remoteBranchExists(ctx, branch) {
		// Shallow clones are single-branch; bring the remote ref in explicitly.
		_, _ = m.git(ctx, "fetch", "origin", trackingRefspec(branch))

		res, err = m.git(ctx, "checkout", branch)
		if commandError(res, err) != nil {
			res, err = m.git(ctx, "checkout", "-b", branch, "origin/"+branch)
		}
		if commandError(res, err) == nil {
			_, _ = m.git(ctx, "pull", "origin", branch)
		}
	} else {
		res, err = m.git(ctx, "checkout", "-b", branch, "origin/"+base)
	}

	if cmdErr := commandError(res, err); cmdErr != nil {
		m.emitter.Error(ctx, "Failed to checkout branch: "+describe(res, err), "")
		return fmt.Errorf("gitsync.Manager.CheckoutWorkingBranch: checkout %s: %w", branch, cmdErr)
	}

	m.emitter.GitSync(ctx, "checked_out", map[string]any{"branch": branch})
	return nil
}

func (m *Manager) remoteBranchExists(ctx context.Context, branch string) bool {
	res, err := m.git(ctx, "ls-remote", "--heads", "origin", branch)
	if commandError(res, err) != nil {
		return false
	}
	want := "refs/heads/" + branch
	for line := range strings.SplitSeq(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == want {
			return true
		}
	}
	return false
}

// ConfigureIdentity sets the workspace-local commit author.
func (m *Manager) ConfigureIdentity(ctx context.Context, name, email string) error {
	res, err := m.git(ctx, "config", "--local", "user.name", name)
	if cmdErr := commandError(res, err); cmdErr != nil {
		return fmt.Errorf("gitsync.Manager.ConfigureIdentity: user.name: %w", cmdErr)
	}
	res, err = m.git(ctx, "config", "--local", "user.email", email)
	if cmdErr := commandError(res, err); cmdErr != nil {
		return fmt.Errorf("gitsync.Manager.ConfigureIdentity: user.email: %w", cmdErr)
	}
	return nil
}

// Status inspects the workspace. Commit and Branch are empty when the
// corresponding inspection fails.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{ChangedFiles: []string{}}

	res, err := m.git(ctx, "status", "--porcelain")
	if err == nil {
		st.ChangedFiles = parsePorcelain(res.Stdout)
	}
	st.HasChanges = len(st.ChangedFiles) > 0

	res, err = m.git(ctx, "rev-parse", "HEAD")
	if commandError(res, err) == nil {
		st.Commit = strings.TrimSpace(res.Stdout)
	}

	res, err = m.git(ctx, "branch", "--show-current")
	if commandError(res, err) == nil {
		st.Branch = strings.TrimSpace(res.Stdout)
	}

	return st
}

// PushLocalChanges commits everything in the workspace and pushes the
// working branch. It is a no-op when there is nothing to commit.
func (m *Manager) PushLocalChanges(ctx context.Context) error {
	if !m.Status(ctx).HasChanges {
		return nil
	}

	m.emitter.GitSync(ctx, "pushing", nil)

	steps := []struct {
		name string
		msg  string
		args []string
	}{
		{"add", "Git add failed", []string{"add", "-A"}},
		{"commit", "Git commit failed", []string{"commit", "-m", m.opts.CommitMessage}},
		{"push", "Git push failed", []string{"push", "origin", m.opts.Branch}},
	}
	for _, step := range steps {
		res, err := m.git(ctx, step.args...)
		if cmdErr := commandError(res, err); cmdErr != nil {
			log.Warn().Str("step", step.name).Int("exit_code", res.ExitCode).Msg("gitsync.Manager.PushLocalChanges: step failed")
			m.emitter.Error(ctx, step.msg, "")
			return fmt.Errorf("gitsync.Manager.PushLocalChanges: %s: %w", step.name, cmdErr)
		}
	}

	m.emitter.GitSync(ctx, "pushed", map[string]any{"branch": m.opts.Branch})
	return nil
}

// PushNamedBranch force-pushes HEAD to refs/heads/<branch> through an
// authenticated URL. Failure messages are fixed strings; git output is never
// returned or logged.
func (m *Manager) PushNamedBranch(ctx context.Context, req PushRequest) PushResult {
	owner := cmp.Or(req.Owner, m.opts.Owner)
	name := cmp.Or(req.Name, m.opts.Name)
	tok := ResolveToken(req.Token, m.opts.TokenEnvKey)

	logger := log.With().Str("branch", req.Branch).Str("repo", owner+"/"+name).Str("token_source", tok.Source).Logger()
	logger.Info().Msg("gitsync.Manager.PushNamedBranch: pushing branch")

	if req.Branch == "" {
		return PushResult{Error: MsgBranchRequired}
	}

	if _, err := os.Stat(m.workspace); err != nil {
		logger.Warn().Msg("gitsync.Manager.PushNamedBranch: workspace missing")
		return PushResult{Error: MsgNoRepository}
	}

	if tok.Token == "" || owner == "" || name == "" {
		logger.Warn().Msg("gitsync.Manager.PushNamedBranch: missing token or repository info")
		return PushResult{Error: MsgAuthRequired}
	}

	res, err := m.git(ctx, "push", RemoteURL(m.opts.Host, owner, name, tok.Token), "HEAD:refs/heads/"+req.Branch, "-f")
	if err != nil || !res.OK() {
		logger.Warn().Int("exit_code", res.ExitCode).Bool("timed_out", errors.Is(err, ErrTimeout)).Msg("gitsync.Manager.PushNamedBranch: push failed")
		return PushResult{Error: MsgPushFailed}
	}

	logger.Info().Msg("gitsync.Manager.PushNamedBranch: push succeeded")
	m.emitter.GitSync(ctx, "pushed", map[string]any{"branch": req.Branch})
	return PushResult{Success: true, Branch: req.Branch}
}

// git runs a command in the workspace under the default time bound.
func (m *Manager) git(ctx context.Context, args ...string) (Result, error) {
	return m.run(ctx, m.opts.CommandTimeout, m.workspace, args...)
}

func (m *Manager) run(ctx context.Context, timeout time.Duration, dir string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.runner.Run(ctx, dir, args...)
}

// RemoteURL builds an https remote URL, embedding the token as
// x-access-token credentials when one is given.
func RemoteURL(host, owner, name, token string) string {
	u := url.URL{
		Scheme: "https",
		Host:   host,
		Path:   "/" + owner + "/" + name + ".git",
	}
	if token != "" {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String()
}

func trackingRefspec(branch string) string {
	return "+refs/heads/" + branch + ":refs/remotes/origin/" + branch
}

// commandError folds a runner error and a non-zero exit into one error.
func commandError(res Result, err error) error {
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("exit %d: %w", res.ExitCode, ErrCommandFailed)
	}
	return nil
}

// describe renders a failure for an error event without any command output.
func describe(res Result, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timed out"
	case err != nil:
		return "could not run git"
	default:
		return "exit code " + strconv.Itoa(res.ExitCode)
	}
}

// parsePorcelain extracts paths from `git status --porcelain` (v1) output.
func parsePorcelain(out string) []string {
	files := []string{}
	for line := range strings.SplitSeq(out, "\n") {
		if len(strings.TrimSpace(line)) == 0 || len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		if strings.HasPrefix(path, `"`) {
			if unq, err := strconv.Unquote(path); err == nil {
				path = unq
			}
		}
		files = append(files, path)
	}
	return files
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
