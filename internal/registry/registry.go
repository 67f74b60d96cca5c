// Package registry discovers connector implementations and instantiates them
// by name. Built-in connectors come from a compiled-in table; external
// connectors are declared by TOML manifests in a watched directory.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connector"
)

var (
	// ErrNotFound is returned for names the registry does not know.
	ErrNotFound = errors.New("connector not found")
	// ErrInstantiation wraps a connector constructor failure.
	ErrInstantiation = errors.New("connector instantiation failed")
	// ErrDescribe wraps a metadata accessor failure.
	ErrDescribe = errors.New("connector describe failed")
	// ErrConflict marks a candidate rejected because its name is taken.
	ErrConflict = errors.New("connector name already registered")
)

// DiscoveryError reports a candidate skipped during discovery.
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Origin records where a connector came from.
type Origin string

// Supported origins.
const (
	OriginBuiltin  Origin = "built-in"
	OriginExternal Origin = "external"
)

// Builtin is one entry of the compiled-in registration table.
type Builtin struct {
	Name    string
	Factory connector.Factory
}

// Descriptor is a registered connector.
type Descriptor struct {
	Name    string            `json:"name"`
	Origin  Origin            `json:"origin"`
	Source  string            `json:"source,omitempty"`
	Factory connector.Factory `json:"-"`
}

// Description is the static metadata returned by Describe.
type Description struct {
	Name             string                   `json:"name"`
	Icon             string                   `json:"icon"`
	ConnectionSchema connector.ConnectionData `json:"connection_schema"`
}

// Report summarises one discovery pass.
type Report struct {
	Names   []string
	Skipped []error
}

// Config configures discovery.
type Config struct {
	// ExternalDir holds *.toml connector manifests. Empty disables externals.
	ExternalDir string
	// Debounce coalesces bursts of filesystem events in Watch.
	Debounce time.Duration
}

// Registry is safe for concurrent use. Lookups read an immutable table that
// Discover replaces atomically.
type Registry struct {
	cfg      Config
	builtins []Builtin
	logger   *zap.Logger

	discoverMu sync.Mutex
	table      atomic.Pointer[map[string]Descriptor]
}

// New builds an empty registry; call Discover to populate it.
func New(cfg Config, builtins []Builtin, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	r := &Registry{
		cfg:      cfg,
		builtins: append([]Builtin(nil), builtins...),
		logger:   logger,
	}
	empty := map[string]Descriptor{}
	r.table.Store(&empty)
	return r
}

// Discover rebuilds the connector table. Built-ins register first, then
// manifests in lexical file order; the first registration of a name wins and
// later ones are skipped with ErrConflict. Skipped candidates are logged and
// never abort the scan.
func (r *Registry) Discover(ctx context.Context) Report {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	next := make(map[string]Descriptor)
	var skipped []error
	skip := func(source string, err error) {
		derr := &DiscoveryError{Source: source, Err: err}
		skipped = append(skipped, derr)
		r.logger.Warn("skipping connector candidate", zap.String("source", source), zap.Error(err))
	}
	add := func(d Descriptor) {
		if prev, ok := next[d.Name]; ok {
			skip(d.sourceLabel(), fmt.Errorf("%w: %q first registered by %s", ErrConflict, d.Name, prev.sourceLabel()))
			return
		}
		next[d.Name] = d
	}

	for _, b := range r.builtins {
		if b.Name == "" || b.Factory == nil {
			skip("built-in", errors.New("built-in entry needs a name and a factory"))
			continue
		}
		add(Descriptor{Name: b.Name, Origin: OriginBuiltin, Factory: b.Factory})
	}

	for _, path := range r.manifestPaths() {
		if ctx.Err() != nil {
			break
		}
		m, err := LoadManifest(path)
		if errors.Is(err, errAbstract) {
			r.logger.Debug("ignoring abstract connector manifest", zap.String("source", path))
			continue
		}
		if err != nil {
			skip(path, err)
			continue
		}
		add(Descriptor{Name: m.Name, Origin: OriginExternal, Source: path, Factory: m.Factory()})
	}

	r.table.Store(&next)
	names := sortedNames(next)
	r.logger.Info("connector discovery finished", zap.Strings("names", names), zap.Int("skipped", len(skipped)))
	return Report{Names: names, Skipped: skipped}
}

func (r *Registry) manifestPaths() []string {
	if r.cfg.ExternalDir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.cfg.ExternalDir)
	if err != nil {
		r.logger.Warn("external connector directory unreadable", zap.String("dir", r.cfg.ExternalDir), zap.Error(err))
		return nil
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != manifestExt {
			continue
		}
		paths = append(paths, filepath.Join(r.cfg.ExternalDir, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

// Names returns the sorted connector names.
func (r *Registry) Names() []string {
	return sortedNames(*r.table.Load())
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := (*r.table.Load())[name]
	return ok
}

// Descriptor returns the registration for name.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	d, ok := (*r.table.Load())[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// Descriptors returns every registration sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	table := *r.table.Load()
	out := make([]Descriptor, 0, len(table))
	for _, name := range sortedNames(table) {
		out = append(out, table[name])
	}
	return out
}

// Create instantiates name with params.
func (r *Registry) Create(name string, params connector.Params) (c connector.Connector, err error) {
	d, err := r.Descriptor(name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = connector.Params{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			c = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrInstantiation, name, rec)
		}
	}()
	c, err = d.Factory(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInstantiation, name, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s: factory returned nil", ErrInstantiation, name)
	}
	return c, nil
}

// Describe instantiates name with empty params and reads its static metadata
// without fetching.
func (r *Registry) Describe(name string) (Description, error) {
	c, err := r.Create(name, connector.Params{})
	if err != nil {
		return Description{}, err
	}
	return describe(name, c)
}

func describe(name string, c connector.Connector) (desc Description, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrDescribe, name, rec)
		}
	}()
	icon, err := c.Icon()
	if err != nil {
		return Description{}, fmt.Errorf("%w: %s icon: %w", ErrDescribe, name, err)
	}
	data, err := c.ConnectionData()
	if err != nil {
		return Description{}, fmt.Errorf("%w: %s connection data: %w", ErrDescribe, name, err)
	}
	if data.Fields == nil {
		data.Fields = []string{}
	}
	return Description{Name: name, Icon: icon, ConnectionSchema: data}, nil
}

func (d Descriptor) sourceLabel() string {
	if d.Source != "" {
		return d.Source
	}
	return string(d.Origin)
}

func sortedNames(table map[string]Descriptor) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
