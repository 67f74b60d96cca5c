// Package gitrepo mirrors git repositories with go-git. Other connectors that
// discover repositories through a hosting API reuse Mirror.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connector"
)

// Name is the registry key.
const Name = "git"

const icon = `<svg viewBox="0 0 92 92" xmlns="http://www.w3.org/2000/svg"><path fill="#F03C2E" d="M90.2 41.9 50.1 1.8a5.9 5.9 0 0 0-8.4 0l-8.3 8.3 10.6 10.6a7 7 0 0 1 8.9 8.9l10.2 10.2a7 7 0 1 1-4.2 4l-9.5-9.5v25a7 7 0 1 1-5.8-.2V33.8a7 7 0 0 1-3.8-9.2L29.4 14.1 1.8 41.7a5.9 5.9 0 0 0 0 8.4l40.1 40.1a5.9 5.9 0 0 0 8.4 0l39.9-39.9a5.9 5.9 0 0 0 0-8.4"/></svg>`

// Params keys.
const (
	ParamRepoURL      = "repo_url"
	ParamRepositories = "repositories"
	ParamBranch       = "branch"
	ParamDepth        = "depth"
	ParamUsername     = "username"
	ParamToken        = "token"
)

// Options controls one mirror operation.
type Options struct {
	Branch string
	Depth  int
	Auth   transport.AuthMethod
}

// BasicAuth returns HTTP token auth, or nil when token is empty.
func BasicAuth(username, token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	if username == "" {
		// Hosting providers accept any non-empty user with a token.
		username = "git"
	}
	return &githttp.BasicAuth{Username: username, Password: token}
}

// Mirror clones url into dir, or pulls when dir already holds a clone.
func Mirror(ctx context.Context, url, dir string, opts Options) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return pull(ctx, dir, opts)
	}
	clone := &git.CloneOptions{
		URL:   url,
		Auth:  opts.Auth,
		Depth: opts.Depth,
	}
	if opts.Branch != "" {
		clone.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		clone.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, clone); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

func pull(ctx context.Context, dir string, opts Options) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", dir, err)
	}
	pullOpts := &git.PullOptions{RemoteName: git.DefaultRemoteName, Auth: opts.Auth, Depth: opts.Depth}
	if opts.Branch != "" {
		pullOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		pullOpts.SingleBranch = true
	}
	err = wt.PullContext(ctx, pullOpts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull %s: %w", dir, err)
	}
	return nil
}

// RepoName extracts the last path component of a repository URL without the
// .git suffix.
func RepoName(url string) string {
	url = strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")
	if idx := strings.LastIndexAny(url, "/:"); idx >= 0 {
		url = url[idx+1:]
	}
	if url == "" || url == "." || url == ".." {
		return "repository"
	}
	return url
}

// Connector mirrors a list of repository URLs.
type Connector struct {
	connector.Reporter

	urls   []string
	target string
	opts   Options
	logger *zap.Logger
}

// Factory returns the registry factory.
func Factory(logger *zap.Logger) connector.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(params connector.Params) (connector.Connector, error) {
		urls := params.Strings(ParamRepositories)
		if u := params.String(ParamRepoURL); u != "" {
			urls = append([]string{u}, urls...)
		}
		depth := params.Int(ParamDepth, 0)
		if depth < 0 {
			return nil, fmt.Errorf("depth must be >= 0, got %d", depth)
		}
		return &Connector{
			urls:   urls,
			target: params.String(connector.ParamTargetDirectory),
			opts: Options{
				Branch: params.String(ParamBranch),
				Depth:  depth,
				Auth:   BasicAuth(params.String(ParamUsername), params.String(ParamToken)),
			},
			logger: logger.Named(Name),
		}, nil
	}
}

// Fetch mirrors every repository. A failing repository is logged and the
// rest still run; the failures are returned together.
func (c *Connector) Fetch(ctx context.Context) error {
	if len(c.urls) == 0 {
		return fmt.Errorf("missing required param %q", ParamRepoURL)
	}
	if c.target == "" {
		return fmt.Errorf("missing required param %q", connector.ParamTargetDirectory)
	}
	tracker := c.Tracker()
	if err := tracker.SetTotal(len(c.urls)); err != nil {
		return err
	}
	return MirrorAll(ctx, c.logger, tracker.Track, c.urls, c.target, c.opts)
}

// MirrorAll mirrors each url into target/<repo name> under track, continuing
// past failures.
func MirrorAll(ctx context.Context, logger *zap.Logger, track func(func() error) error, urls []string, target string, opts Options) error {
	var errs []error
	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		dir := filepath.Join(target, RepoName(url))
		err := track(func() error { return Mirror(ctx, url, dir, opts) })
		if err != nil {
			logger.Warn("mirror failed", zap.String("url", url), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		logger.Info("mirrored repository", zap.String("url", url), zap.String("dir", dir))
	}
	return errors.Join(errs...)
}

// Icon returns the git icon.
func (c *Connector) Icon() (string, error) {
	return icon, nil
}

// ConnectionData lists the accepted params.
func (c *Connector) ConnectionData() (connector.ConnectionData, error) {
	return connector.ConnectionData{
		ConnectionType: "Git",
		Fields: []string{
			ParamRepoURL, ParamBranch, ParamDepth, ParamUsername, ParamToken, connector.ParamTargetDirectory,
		},
	}, nil
}
