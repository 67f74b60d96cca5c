package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/JakeFAU/datasource-broker/internal/connector"
)

const manifestExt = ".toml"

var errAbstract = errors.New("manifest is abstract")

// Manifest declares an external connector backed by an executable.
type Manifest struct {
	Name       string            `toml:"name"`
	Command    string            `toml:"command"`
	Args       []string          `toml:"args"`
	Env        map[string]string `toml:"env"`
	Icon       string            `toml:"icon"`
	IconFile   string            `toml:"icon_file"`
	Abstract   bool              `toml:"abstract"`
	Connection struct {
		Type   string   `toml:"type"`
		Fields []string `toml:"fields"`
	} `toml:"connection"`

	dir string
}

// LoadManifest parses path and checks that it declares the full capability
// set. Relative command and icon paths resolve against the manifest directory.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Manifest{}, fmt.Errorf("unknown manifest keys: %s", strings.Join(keys, ", "))
	}
	if m.Abstract {
		return Manifest{}, errAbstract
	}
	m.dir = filepath.Dir(path)
	if m.IconFile != "" && m.Icon == "" {
		raw, err := os.ReadFile(m.resolve(m.IconFile))
		if err != nil {
			return Manifest{}, fmt.Errorf("read icon file: %w", err)
		}
		m.Icon = string(raw)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) validate() error {
	var missing []string
	if strings.TrimSpace(m.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(m.Command) == "" {
		missing = append(missing, "command (fetch)")
	}
	if strings.TrimSpace(m.Icon) == "" {
		missing = append(missing, "icon")
	}
	if strings.TrimSpace(m.Connection.Type) == "" {
		missing = append(missing, "connection.type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete capability set, missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (m Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	// Bare command names are looked up on PATH.
	if !strings.ContainsRune(p, filepath.Separator) && !strings.ContainsRune(p, '/') {
		if _, err := os.Stat(filepath.Join(m.dir, p)); err != nil {
			return p
		}
	}
	return filepath.Join(m.dir, p)
}

// Factory returns a connector factory bound to the manifest.
func (m Manifest) Factory() connector.Factory {
	return func(params connector.Params) (connector.Connector, error) {
		return &External{manifest: m, params: params.Clone(), Stdout: os.Stdout, Stderr: os.Stderr}, nil
	}
}

// External runs a manifest's command as its fetch.
type External struct {
	manifest Manifest
	params   connector.Params
	// Stdout and Stderr receive the command's output; they default to the
	// worker's own streams so the orchestrator sees it.
	Stdout io.Writer
	Stderr io.Writer
}

// externalWaitDelay bounds Fetch once ctx is done and the command was killed.
const externalWaitDelay = 2 * time.Second

// Fetch execs `command args... --params <json>` and waits for it. Cancelling
// ctx kills the command.
func (e *External) Fetch(ctx context.Context) error {
	payload, err := json.Marshal(e.params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	args := append(append([]string(nil), e.manifest.Args...), "--params", string(payload))
	cmd := exec.CommandContext(ctx, e.manifest.resolve(e.manifest.Command), args...)
	cmd.Dir = e.manifest.dir
	cmd.WaitDelay = externalWaitDelay
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Env = os.Environ()
	for k, v := range e.manifest.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", e.manifest.Name, err)
	}
	return nil
}

// Icon returns the manifest icon markup.
func (e *External) Icon() (string, error) {
	return e.manifest.Icon, nil
}

// ConnectionData returns the manifest connection schema.
func (e *External) ConnectionData() (connector.ConnectionData, error) {
	return connector.ConnectionData{
		ConnectionType: e.manifest.Connection.Type,
		Fields:         append([]string{}, e.manifest.Connection.Fields...),
	}, nil
}
