// Package connector defines the capability surface every data source
// implements and the parameter map it is configured with.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/datasource-broker/internal/progress"
)

// Well-known parameter keys.
const (
	ParamTargetDirectory = "target_directory"
	ParamClientAddress   = "client_address"
)

// ConnectionData describes how a caller connects a data source: its type and
// the parameter names it expects.
type ConnectionData struct {
	ConnectionType string   `json:"connection_type"`
	Fields         []string `json:"fields"`
}

// Connector is one pluggable data source.
type Connector interface {
	// Fetch performs the data pull. It may take a long time.
	Fetch(ctx context.Context) error
	// Icon returns static SVG markup.
	Icon() (string, error)
	// ConnectionData returns the static connection schema.
	ConnectionData() (ConnectionData, error)
}

// TrackerAware is implemented by connectors that report progress.
type TrackerAware interface {
	SetTracker(t *progress.Tracker)
}

// Factory builds a connector from caller-supplied params. Factories must not
// perform I/O; Describe instantiates with empty params.
type Factory func(params Params) (Connector, error)

// Params is the opaque JSON object a caller sends with a request.
type Params map[string]any

// ParseParams decodes a JSON object. Empty input yields empty Params.
func ParseParams(raw []byte) (Params, error) {
	p := Params{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// Clone returns a shallow copy safe to mutate at the top level.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value at key rendered as a string; numbers and booleans
// are formatted, other types yield "".
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Require returns the string at key or an error naming the missing field.
func (p Params) Require(key string) (string, error) {
	v := p.String(key)
	if v == "" {
		return "", fmt.Errorf("missing required param %q", key)
	}
	return v, nil
}

// Int returns the integer at key or def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean at key or def.
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Strings returns a list value at key; a single string becomes a one-item list.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Reporter is embedded by connectors that report progress. Without an
// attached tracker a private one is used so counting code never branches.
type Reporter struct {
	tracker *progress.Tracker
}

// SetTracker attaches t.
func (r *Reporter) SetTracker(t *progress.Tracker) {
	r.tracker = t
}

// Tracker returns the attached tracker, creating a detached one on first use.
func (r *Reporter) Tracker() *progress.Tracker {
	if r.tracker == nil {
		r.tracker = progress.NewTracker("", nil, nil)
	}
	return r.tracker
}
