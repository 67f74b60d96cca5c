// Package github mirrors every repository a GitHub user owns. Repositories
// are listed through the REST API and cloned with go-git.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/connectors/gitrepo"
)

// Name is the registry key.
const Name = "github"

const icon = `<svg viewBox="0 0 16 16" xmlns="http://www.w3.org/2000/svg"><path fill="#181717" d="M8 0a8 8 0 0 0-2.5 15.6c.4 0 .5-.2.5-.4v-1.5c-2.2.5-2.7-1-2.7-1-.4-.9-.9-1.2-.9-1.2-.7-.5.1-.5.1-.5.8.1 1.2.8 1.2.8.7 1.3 1.9.9 2.3.7.1-.5.3-.9.5-1.1-1.8-.2-3.6-.9-3.6-4 0-.9.3-1.6.8-2.1-.1-.2-.4-1 .1-2.1 0 0 .7-.2 2.2.8a7.5 7.5 0 0 1 4 0c1.5-1 2.2-.8 2.2-.8.4 1.1.2 1.9.1 2.1.5.6.8 1.3.8 2.1 0 3.1-1.9 3.8-3.6 4 .3.3.6.8.6 1.5v2.2c0 .2.1.5.6.4A8 8 0 0 0 8 0z"/></svg>`

// Params keys.
const (
	ParamUsername        = "username"
	ParamToken           = "token"
	ParamBaseURL         = "base_url"
	ParamIncludeForks    = "include_forks"
	ParamIncludeArchived = "include_archived"
	ParamDepth           = "depth"
)

const (
	defaultTimeout = 30 * time.Second
	// Stay well below the authenticated quota of 5000 requests per hour.
	requestsPerSecond = 1.2
)

// Connector mirrors a user's repositories.
type Connector struct {
	connector.Reporter

	username        string
	token           string
	baseURL         string
	target          string
	depth           int
	includeForks    bool
	includeArchived bool

	limiter *rate.Limiter
	logger  *zap.Logger
}

// Factory returns the registry factory.
func Factory(logger *zap.Logger) connector.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(params connector.Params) (connector.Connector, error) {
		return &Connector{
			username:        params.String(ParamUsername),
			token:           params.String(ParamToken),
			baseURL:         params.String(ParamBaseURL),
			target:          params.String(connector.ParamTargetDirectory),
			depth:           params.Int(ParamDepth, 0),
			includeForks:    params.Bool(ParamIncludeForks, false),
			includeArchived: params.Bool(ParamIncludeArchived, true),
			limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
			logger:          logger.Named(Name),
		}, nil
	}
}

// Fetch lists the user's repositories and mirrors each one.
func (c *Connector) Fetch(ctx context.Context) error {
	if c.username == "" {
		return fmt.Errorf("missing required param %q", ParamUsername)
	}
	if c.target == "" {
		return fmt.Errorf("missing required param %q", connector.ParamTargetDirectory)
	}
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	repos, err := c.listRepos(ctx, client)
	if err != nil {
		return err
	}
	urls := make([]string, 0, len(repos))
	for _, r := range filterRepos(repos, c.includeArchived, c.includeForks) {
		urls = append(urls, r.GetCloneURL())
	}
	c.logger.Info("repositories listed", zap.String("user", c.username), zap.Int("count", len(urls)))
	tracker := c.Tracker()
	if err := tracker.SetTotal(len(urls)); err != nil {
		return err
	}
	opts := gitrepo.Options{Depth: c.depth, Auth: gitrepo.BasicAuth(c.username, c.token)}
	return gitrepo.MirrorAll(ctx, c.logger, tracker.Track, urls, c.target, opts)
}

func (c *Connector) client(ctx context.Context) (*gh.Client, error) {
	httpClient := &http.Client{Timeout: defaultTimeout}
	if c.token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = defaultTimeout
	}
	client := gh.NewClient(httpClient)
	if c.baseURL == "" {
		return client, nil
	}
	base := strings.TrimSuffix(c.baseURL, "/") + "/"
	client, err := client.WithEnterpriseURLs(base, base)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	return client, nil
}

func (c *Connector) listRepos(ctx context.Context, client *gh.Client) ([]*gh.Repository, error) {
	opts := &gh.RepositoryListByUserOptions{
		Type:        "owner",
		Sort:        "updated",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var all []*gh.Repository
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		repos, resp, err := client.Repositories.ListByUser(ctx, c.username, opts)
		if err != nil {
			return nil, fmt.Errorf("list repos for %s: %w", c.username, err)
		}
		all = append(all, repos...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func filterRepos(repos []*gh.Repository, includeArchived, includeForks bool) []*gh.Repository {
	out := make([]*gh.Repository, 0, len(repos))
	for _, r := range repos {
		if r.GetArchived() && !includeArchived {
			continue
		}
		if r.GetFork() && !includeForks {
			continue
		}
		if r.GetDisabled() || r.GetCloneURL() == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Icon returns the GitHub mark.
func (c *Connector) Icon() (string, error) {
	return icon, nil
}

// ConnectionData lists the accepted params.
func (c *Connector) ConnectionData() (connector.ConnectionData, error) {
	return connector.ConnectionData{
		ConnectionType: "GitHub",
		Fields:         []string{ParamUsername, ParamToken, connector.ParamTargetDirectory},
	}, nil
}
