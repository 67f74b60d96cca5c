// Package webpage crawls a site with colly and stores each fetched page in
// the target directory.
package webpage

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/progress"
)

// Name is the registry key.
const Name = "webpage"

const icon = `<svg viewBox="0 0 24 24" xmlns="http://www.w3.org/2000/svg" fill="none" stroke="#1E88E5" stroke-width="1.5"><circle cx="12" cy="12" r="10"/><path d="M2 12h20M12 2a15 15 0 0 1 0 20M12 2a15 15 0 0 0 0 20"/></svg>`

// Params keys.
const (
	ParamURL            = "url"
	ParamMaxDepth       = "max_depth"
	ParamAllowedDomains = "allowed_domains"
	ParamUserAgent      = "user_agent"
	ParamRespectRobots  = "respect_robots"
)

const (
	defaultTimeout = 15 * time.Second
	maxSlugLen     = 80
	startKey       = "started_at"
)

// Connector crawls from a start URL down to a link depth.
type Connector struct {
	connector.Reporter

	start         string
	target        string
	maxDepth      int
	domains       []string
	userAgent     string
	respectRobots bool
	timeout       time.Duration
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
	OnHTML(string, colly.HTMLCallback)
}

// Factory returns the registry factory.
func Factory(logger *zap.Logger) connector.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(params connector.Params) (connector.Connector, error) {
		depth := params.Int(ParamMaxDepth, 1)
		if depth < 1 {
			return nil, fmt.Errorf("%s must be >= 1, got %d", ParamMaxDepth, depth)
		}
		return &Connector{
			start:         params.String(ParamURL),
			target:        params.String(connector.ParamTargetDirectory),
			maxDepth:      depth,
			domains:       params.Strings(ParamAllowedDomains),
			userAgent:     params.String(ParamUserAgent),
			respectRobots: params.Bool(ParamRespectRobots, true),
			timeout:       defaultTimeout,
			logger:        logger.Named(Name),
		}, nil
	}
}

// Fetch crawls the site. Failures of linked pages are logged; a failure of
// the start page fails the fetch.
func (c *Connector) Fetch(ctx context.Context) error {
	if c.start == "" {
		return fmt.Errorf("missing required param %q", ParamURL)
	}
	if c.target == "" {
		return fmt.Errorf("missing required param %q", connector.ParamTargetDirectory)
	}
	startURL, err := url.Parse(c.start)
	if err != nil || startURL.Host == "" {
		return fmt.Errorf("invalid %s %q", ParamURL, c.start)
	}
	if err := os.MkdirAll(c.target, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.target, err)
	}

	run := &crawlRun{conn: c, ctx: ctx, tracker: c.Tracker()}
	collector := c.buildCollector(startURL)
	c.configureCollectorHooks(collector, run)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(startURL.String())
	}()
	select {
	case <-ctx.Done():
		err = fmt.Errorf("webpage fetch canceled: %w", ctx.Err())
	case err = <-done:
		if err != nil {
			err = fmt.Errorf("colly visit failed: %w", err)
		} else if rootErr := run.rootError(); rootErr != nil {
			err = fmt.Errorf("fetch %s: %w", c.start, rootErr)
		}
	}
	return err
}

func (c *Connector) buildCollector(start *url.URL) *colly.Collector {
	domains := c.domains
	if len(domains) == 0 {
		domains = []string{start.Hostname()}
	}
	collector := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(c.maxDepth),
		colly.AllowedDomains(domains...),
	)
	collector.WithTransport(newHTTPTransport())
	if c.userAgent != "" {
		collector.UserAgent = c.userAgent
	}
	collector.IgnoreRobotsTxt = !c.respectRobots
	collector.SetRequestTimeout(c.timeout)
	return collector
}

func (c *Connector) configureCollectorHooks(hooks collectorHooks, run *crawlRun) {
	hooks.OnRequest(func(r *colly.Request) {
		if run.ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Ctx.Put(startKey, time.Now())
		run.queued()
	})
	hooks.OnResponse(func(r *colly.Response) {
		if err := run.save(r); err != nil {
			c.logger.Warn("store page failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
		}
		run.finished(r.Request, nil)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		c.logger.Warn("page fetch failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
		run.finished(r.Request, err)
	})
	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		// Depth, domain and revisit limits are enforced by the collector.
		_ = e.Request.Visit(e.Attr("href"))
	})
}

// crawlRun holds the mutable state of one Fetch.
type crawlRun struct {
	conn    *Connector
	ctx     context.Context
	tracker *progress.Tracker

	mu      sync.Mutex
	total   int
	saved   int
	rootErr error
}

func (r *crawlRun) queued() {
	r.mu.Lock()
	r.total++
	total := r.total
	r.mu.Unlock()
	_ = r.tracker.SetTotal(total)
}

func (r *crawlRun) finished(req *colly.Request, err error) {
	var elapsed time.Duration
	if started, ok := req.Ctx.GetAny(startKey).(time.Time); ok {
		elapsed = time.Since(started)
	}
	if req.Depth <= 1 && err != nil {
		r.mu.Lock()
		r.rootErr = err
		r.mu.Unlock()
	}
	if recErr := r.tracker.Record(elapsed); recErr != nil {
		r.conn.logger.Debug("progress record skipped", zap.Error(recErr))
	}
}

func (r *crawlRun) save(resp *colly.Response) error {
	r.mu.Lock()
	r.saved++
	n := r.saved
	r.mu.Unlock()
	name := fmt.Sprintf("%04d_%s%s", n, slug(resp.Request.URL), extension(resp.Headers))
	path := filepath.Join(r.conn.target, name)
	if err := os.WriteFile(path, resp.Body, 0o644); err != nil { //nolint:gosec // fetched content is world-readable data
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (r *crawlRun) rootError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootErr
}

func slug(u *url.URL) string {
	raw := u.Hostname() + u.EscapedPath()
	var sb strings.Builder
	for _, ch := range raw {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '.':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_")
	if len(out) > maxSlugLen {
		out = out[:maxSlugLen]
	}
	if out == "" {
		out = "page"
	}
	return out
}

func extension(h *http.Header) string {
	if h == nil {
		return ".html"
	}
	ct := h.Get("Content-Type")
	switch {
	case strings.Contains(ct, "json"):
		return ".json"
	case strings.HasPrefix(ct, "text/plain"):
		return ".txt"
	default:
		return ".html"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Icon returns the globe icon.
func (c *Connector) Icon() (string, error) {
	return icon, nil
}

// ConnectionData lists the accepted params.
func (c *Connector) ConnectionData() (connector.ConnectionData, error) {
	return connector.ConnectionData{
		ConnectionType: "WebPage",
		Fields:         []string{ParamURL, ParamMaxDepth, ParamAllowedDomains, connector.ParamTargetDirectory},
	}, nil
}
