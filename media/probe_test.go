package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMissingFile(t *testing.T) {
	_, err := NewProber().Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp3"))
	assert.ErrorContains(t, err, "missing.mp3")
}

func TestProbeGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.mp3")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o644))

	_, err := NewProber().Probe(context.Background(), path)
	assert.Error(t, err)
}

func TestProbeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProber().Probe(ctx, "whatever.mp3")
	assert.ErrorIs(t, err, context.Canceled)
}
