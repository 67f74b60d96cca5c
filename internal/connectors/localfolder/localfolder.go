// Package localfolder mirrors files from a directory on the worker host into
// the job's target directory.
package localfolder

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connector"
)

// Name is the registry key.
const Name = "localfolder"

const icon = `<svg viewBox="0 0 1024 1024" xmlns="http://www.w3.org/2000/svg"><path d="M853 256H469l-85-85H171c-47 0-85 38-85 85v171h853v-86c0-47-38-85-86-85z" fill="#FFA000"/><path d="M853 256H171c-47 0-85 38-85 85v427c0 47 38 85 85 85h682c47 0 86-38 86-85V341c0-47-39-85-86-85z" fill="#FFCA28"/></svg>`

// Params keys.
const (
	ParamPath    = "path"
	ParamPattern = "pattern"
)

// Connector copies every regular file under path, optionally filtered by a
// glob pattern on the base name.
type Connector struct {
	connector.Reporter

	source  string
	target  string
	pattern string
	logger  *zap.Logger
}

// Factory returns the registry factory.
func Factory(logger *zap.Logger) connector.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(params connector.Params) (connector.Connector, error) {
		pattern := params.String(ParamPattern)
		if pattern != "" {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
		}
		return &Connector{
			source:  params.String(ParamPath),
			target:  params.String(connector.ParamTargetDirectory),
			pattern: pattern,
			logger:  logger.Named(Name),
		}, nil
	}
}

// Fetch copies the matching files.
func (c *Connector) Fetch(ctx context.Context) error {
	if c.source == "" {
		return fmt.Errorf("missing required param %q", ParamPath)
	}
	if c.target == "" {
		return fmt.Errorf("missing required param %q", connector.ParamTargetDirectory)
	}
	files, err := c.collect()
	if err != nil {
		return err
	}
	tracker := c.Tracker()
	if err := tracker.SetTotal(len(files)); err != nil {
		return err
	}
	c.logger.Info("copying files", zap.Int("files", len(files)), zap.String("source", c.source), zap.String("target", c.target))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("localfolder fetch canceled: %w", err)
		}
		if err := tracker.Track(func() error { return c.copyFile(rel) }); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) collect() ([]string, error) {
	absTarget, _ := filepath.Abs(c.target)
	var files []string
	err := filepath.WalkDir(c.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(path); abs == absTarget {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if c.pattern != "" {
			if ok, _ := filepath.Match(c.pattern, d.Name()); !ok {
				return nil
			}
		}
		rel, err := filepath.Rel(c.source, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", c.source, err)
	}
	return files, nil
}

func (c *Connector) copyFile(rel string) error {
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to copy %s outside the source", rel)
	}
	src := filepath.Join(c.source, rel)
	dst := filepath.Join(c.target, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// Icon returns the folder icon.
func (c *Connector) Icon() (string, error) {
	return icon, nil
}

// ConnectionData lists the accepted params.
func (c *Connector) ConnectionData() (connector.ConnectionData, error) {
	return connector.ConnectionData{
		ConnectionType: "LocalFolder",
		Fields:         []string{ParamPath, ParamPattern, connector.ParamTargetDirectory},
	}, nil
}
