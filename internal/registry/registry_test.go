package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/datasource-broker/internal/connector"
)

type fakeConnector struct {
	icon    string
	iconErr error
	data    connector.ConnectionData
	panics  bool
}

func (f *fakeConnector) Fetch(context.Context) error { return nil }

func (f *fakeConnector) Icon() (string, error) {
	if f.panics {
		panic("icon exploded")
	}
	return f.icon, f.iconErr
}

func (f *fakeConnector) ConnectionData() (connector.ConnectionData, error) {
	return f.data, nil
}

func fakeFactory(c *fakeConnector) connector.Factory {
	return func(connector.Params) (connector.Connector, error) { return c, nil }
}

func testBuiltins() []Builtin {
	return []Builtin{
		{Name: "localfolder", Factory: fakeFactory(&fakeConnector{
			icon: "<svg/>",
			data: connector.ConnectionData{ConnectionType: "LocalFolder", Fields: []string{"path"}},
		})},
		{Name: "broken", Factory: func(connector.Params) (connector.Connector, error) {
			return nil, errors.New("missing token")
		}},
		{Name: "panicky", Factory: func(connector.Params) (connector.Connector, error) {
			panic("boom")
		}},
		{Name: "badicon", Factory: fakeFactory(&fakeConnector{iconErr: errors.New("no icon")})},
		{Name: "panicicon", Factory: fakeFactory(&fakeConnector{panics: true})},
	}
}

func writeManifest(t *testing.T, dir, file, body string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const youtubeManifest = `
name = "youtube"
command = "fetch.sh"
icon = "<svg>yt</svg>"
[connection]
type = "API"
fields = ["api_key", "target_directory"]
`

func TestDiscoverBuiltinsSorted(t *testing.T) {
	t.Parallel()

	r := New(Config{}, testBuiltins(), nil)
	require.Empty(t, r.Names())

	report := r.Discover(context.Background())
	require.Empty(t, report.Skipped)
	require.Equal(t, []string{"badicon", "broken", "localfolder", "panicicon", "panicky"}, report.Names)
	require.Equal(t, report.Names, r.Names())
	require.True(t, r.Has("localfolder"))
	require.False(t, r.Has("youtube"))
}

func TestCreateErrors(t *testing.T) {
	t.Parallel()

	r := New(Config{}, testBuiltins(), nil)
	r.Discover(context.Background())

	_, err := r.Create("nope", nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Create("broken", nil)
	require.ErrorIs(t, err, ErrInstantiation)
	require.ErrorContains(t, err, "missing token")

	_, err = r.Create("panicky", nil)
	require.ErrorIs(t, err, ErrInstantiation)
	require.ErrorContains(t, err, "boom")

	c, err := r.Create("localfolder", connector.Params{"path": "/tmp"})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	r := New(Config{}, testBuiltins(), nil)
	r.Discover(context.Background())

	desc, err := r.Describe("localfolder")
	require.NoError(t, err)
	require.Equal(t, "localfolder", desc.Name)
	require.Equal(t, "<svg/>", desc.Icon)
	require.Equal(t, "LocalFolder", desc.ConnectionSchema.ConnectionType)

	_, err = r.Describe("badicon")
	require.ErrorIs(t, err, ErrDescribe)

	_, err = r.Describe("panicicon")
	require.ErrorIs(t, err, ErrDescribe)

	_, err = r.Describe("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiscoverSkipsUnloadableManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "youtube.toml", youtubeManifest)

	core, logs := observer.New(zap.WarnLevel)
	r := New(Config{ExternalDir: dir}, testBuiltins(), zap.New(core))
	before := r.Discover(context.Background())
	require.Contains(t, before.Names, "youtube")
	require.Empty(t, before.Skipped)

	writeManifest(t, dir, "broken.toml", "name = [unterminated")

	first := r.Discover(context.Background())
	second := r.Discover(context.Background())
	require.Equal(t, before.Names, first.Names)
	require.Equal(t, before.Names, second.Names)
	require.Len(t, second.Skipped, 1)

	var derr *DiscoveryError
	require.ErrorAs(t, second.Skipped[0], &derr)
	require.Equal(t, filepath.Join(dir, "broken.toml"), derr.Source)
	require.Equal(t, 2, logs.FilterMessage("skipping connector candidate").Len())
}

func TestDiscoverCapabilityCheck(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "a_abstract.toml", "abstract = true\nname = \"base\"\n")
	writeManifest(t, dir, "b_noicon.toml", "name = \"svn\"\ncommand = \"svn-fetch\"\n[connection]\ntype = \"SVN\"\n")
	writeManifest(t, dir, "c_unknown.toml", youtubeManifest+"\nextra = 1\n")
	writeManifest(t, dir, "notes.txt", "ignored")

	r := New(Config{ExternalDir: dir}, nil, nil)
	report := r.Discover(context.Background())
	require.Empty(t, report.Names)
	require.Len(t, report.Skipped, 2, "abstract manifests are ignored silently")
	require.ErrorContains(t, report.Skipped[0], "missing icon")
	require.ErrorContains(t, report.Skipped[1], "unknown manifest keys")
}

func TestDiscoverFirstRegistrationWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "a.toml", youtubeManifest)
	writeManifest(t, dir, "b.toml", youtubeManifest)
	writeManifest(t, dir, "c.toml", `
name = "localfolder"
command = "x"
icon = "<svg/>"
[connection]
type = "LocalFolder"
`)

	r := New(Config{ExternalDir: dir}, testBuiltins(), nil)
	report := r.Discover(context.Background())
	require.Len(t, report.Skipped, 2)
	for _, err := range report.Skipped {
		require.ErrorIs(t, err, ErrConflict)
	}

	d, err := r.Descriptor("youtube")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "a.toml"), d.Source)
	require.Equal(t, OriginExternal, d.Origin)

	d, err = r.Descriptor("localfolder")
	require.NoError(t, err)
	require.Equal(t, OriginBuiltin, d.Origin)
}

func TestDiscoverMissingDirectoryKeepsBuiltins(t *testing.T) {
	t.Parallel()

	r := New(Config{ExternalDir: filepath.Join(t.TempDir(), "absent")}, testBuiltins(), nil)
	report := r.Discover(context.Background())
	require.Len(t, report.Names, 5)
	require.Len(t, r.Descriptors(), 5)
}
