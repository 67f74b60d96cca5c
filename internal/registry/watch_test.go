package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchRediscoversOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(Config{ExternalDir: dir, Debounce: 20 * time.Millisecond}, nil, nil)
	r.Discover(context.Background())
	require.Empty(t, r.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	require.Eventually(t, func() bool {
		writeManifest(t, dir, "youtube.toml", youtubeManifest)
		return r.Has("youtube")
	}, 5*time.Second, 100*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "youtube.toml")))
	require.Eventually(t, func() bool { return !r.Has("youtube") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchRequiresDirectory(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil, nil)
	require.Error(t, r.Watch(context.Background()))
}
