package proc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leeineian/introbot/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestProvider(t *testing.T, ffmpeg string, mutate ...func(*SourceConfig)) (*SourceProvider, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.mp3"), []byte("not really audio"), 0o644))
	cfg := SourceConfig{
		SoundDir:   dir,
		FFmpegPath: ffmpeg,
		Timeout:    5 * time.Second,
		MaxBytes:   1 << 20,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewSourceProvider(cfg, nil), dir
}

type fakeProber struct {
	duration time.Duration
	err      error
	calls    int
}

func (f *fakeProber) Probe(ctx context.Context, path string) (time.Duration, error) {
	f.calls++
	return f.duration, f.err
}

func fileIntro(name string) sys.IntroDescriptor {
	return sys.IntroDescriptor{Kind: sys.SourceFile, Location: name, DisplayName: name}
}

func readAll(t *testing.T, s *AudioStream) string {
	t.Helper()
	b, err := io.ReadAll(s.Reader())
	require.NoError(t, err)
	return string(b)
}

func TestAcquireFileReturnsDecoderOutput(t *testing.T) {
	p, _ := newTestProvider(t, writeScript(t, `printf 'OggS-clip'`))

	stream, err := p.Acquire(context.Background(), fileIntro("hello.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "OggS-clip", readAll(t, stream))
	assert.Equal(t, 9, stream.Len())
	assert.Equal(t, "hello.mp3", stream.Intro.Location)
}

func TestAcquireFilePassesDecoderArguments(t *testing.T) {
	p, dir := newTestProvider(t, writeScript(t, `printf '%s\n' "$@"`), func(c *SourceConfig) {
		c.MaxDuration = 5 * time.Second
	})

	intro := fileIntro("hello.mp3")
	intro.Volume = 50
	stream, err := p.Acquire(context.Background(), intro)
	require.NoError(t, err)

	args := strings.Split(strings.TrimSpace(readAll(t, stream)), "\n")
	assert.Contains(t, args, filepath.Join(dir, "hello.mp3"))
	assert.Contains(t, args, "volume=0.50")
	assert.Contains(t, args, "5.000")
	assert.Contains(t, args, "libopus")
	assert.Equal(t, "pipe:1", args[len(args)-1])
}

func TestAcquireFailures(t *testing.T) {
	ok := `printf 'OggS'`
	cases := []struct {
		name   string
		script string
		intro  sys.IntroDescriptor
		mutate func(*SourceConfig)
		want   string
	}{
		{name: "missing file", script: ok, intro: fileIntro("missing.mp3"), want: "no such file"},
		{name: "path traversal", script: ok, intro: fileIntro("../hello.mp3"), want: "invalid clip name"},
		{name: "empty name", script: ok, intro: fileIntro(""), want: "invalid clip name"},
		{name: "non-zero exit", script: "echo 'boom' >&2\nexit 1", intro: fileIntro("hello.mp3"), want: "boom"},
		{name: "no output", script: "exit 0", intro: fileIntro("hello.mp3"), want: "no audio"},
		{name: "unknown kind", script: ok, intro: sys.IntroDescriptor{Kind: "stream", Location: "x"}, want: "unknown source kind"},
		{
			name:   "too large",
			script: `printf '0123456789abcdef'`,
			intro:  fileIntro("hello.mp3"),
			mutate: func(c *SourceConfig) { c.MaxBytes = 4 },
			want:   "exceeds 4 bytes",
		},
		{
			name:   "decoder missing",
			intro:  fileIntro("hello.mp3"),
			mutate: func(c *SourceConfig) { c.FFmpegPath = filepath.Join(c.SoundDir, "nope") },
			want:   "start decoder",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := tc.script
			if script == "" {
				script = ok
			}
			var mutators []func(*SourceConfig)
			if tc.mutate != nil {
				mutators = append(mutators, tc.mutate)
			}
			p, _ := newTestProvider(t, writeScript(t, script), mutators...)

			stream, err := p.Acquire(context.Background(), tc.intro)
			require.Error(t, err)
			assert.Nil(t, stream)
			assert.ErrorIs(t, err, ErrSourceUnavailable)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestAcquireMissingFileDoesNotSpawnDecoder(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	p, _ := newTestProvider(t, writeScript(t, "touch "+marker+"\nprintf 'OggS'"))

	_, err := p.Acquire(context.Background(), fileIntro("missing.mp3"))
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.NoFileExists(t, marker)
}

func TestAcquireFileRespectsProbe(t *testing.T) {
	prober := &fakeProber{duration: 45 * time.Second}
	p, _ := newTestProvider(t, writeScript(t, `printf 'OggS'`), func(c *SourceConfig) {
		c.MaxDuration = 30 * time.Second
	})
	p.prober = prober

	_, err := p.Acquire(context.Background(), fileIntro("hello.mp3"))
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "limit is 30s")

	prober.duration = 3 * time.Second
	stream, err := p.Acquire(context.Background(), fileIntro("hello.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "OggS", readAll(t, stream))

	prober.err = errors.New("no audio stream")
	_, err = p.Acquire(context.Background(), fileIntro("hello.mp3"))
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 3, prober.calls)
}

func TestAcquireTimesOut(t *testing.T) {
	p, _ := newTestProvider(t, writeScript(t, "sleep 5\nprintf 'OggS'"), func(c *SourceConfig) {
		c.Timeout = 200 * time.Millisecond
	})

	start := time.Now()
	_, err := p.Acquire(context.Background(), fileIntro("hello.mp3"))
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestAcquireRemotePipesExtractorIntoDecoder(t *testing.T) {
	p, _ := newTestProvider(t, writeScript(t, "cat"))
	var gotURL string
	p.extract = func(ctx context.Context, url string) *exec.Cmd {
		gotURL = url
		return exec.CommandContext(ctx, "sh", "-c", "printf 'remote-audio'")
	}

	intro := sys.IntroDescriptor{Kind: sys.SourceRemote, Location: "https://example.com/watch?v=1"}
	stream, err := p.Acquire(context.Background(), intro)
	require.NoError(t, err)
	assert.Equal(t, "remote-audio", readAll(t, stream))
	assert.Equal(t, intro.Location, gotURL)
}

func TestAcquireRemoteExtractorFailure(t *testing.T) {
	p, _ := newTestProvider(t, writeScript(t, "cat"))
	p.extract = func(ctx context.Context, url string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo 'ERROR: unsupported URL' >&2; exit 1")
	}

	_, err := p.Acquire(context.Background(), sys.IntroDescriptor{Kind: sys.SourceRemote, Location: "nope"})
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "no audio")
}

func TestAcquireRemoteDecoderFailureIncludesExtractorOutput(t *testing.T) {
	p, _ := newTestProvider(t, writeScript(t, "cat >/dev/null\nexit 1"))
	p.extract = func(ctx context.Context, url string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo 'ERROR: video unavailable' >&2; exit 1")
	}

	_, err := p.Acquire(context.Background(), sys.IntroDescriptor{Kind: sys.SourceRemote, Location: "gone"})
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "video unavailable")
}

func TestFFmpegArgsDefaultsVolume(t *testing.T) {
	p := NewSourceProvider(SourceConfig{}, nil)
	args := p.ffmpegArgs("pipe:0", 0)
	assert.Contains(t, args, "volume=1.00")
	assert.NotContains(t, args, "-nostdin")
	assert.NotContains(t, args, "-t")
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	_, _ = tb.Write([]byte("abcdef"))
	_, _ = tb.Write([]byte("gh"))
	assert.Equal(t, "efgh", tb.String())
}
