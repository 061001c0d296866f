package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/introbot/sys"
	"github.com/lrstanley/go-ytdlp"
)

// AudioStream is a fully decoded Ogg/Opus clip ready to be queued on a voice connection.
type AudioStream struct {
	Intro sys.IntroDescriptor
	data  []byte
}

func NewAudioStream(intro sys.IntroDescriptor, data []byte) *AudioStream {
	return &AudioStream{Intro: intro, data: data}
}

func (s *AudioStream) Reader() io.Reader {
	return bytes.NewReader(s.data)
}

func (s *AudioStream) Len() int {
	return len(s.data)
}

// Prober reports the playable duration of a local clip.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

type SourceConfig struct {
	SoundDir    string
	FFmpegPath  string
	Proxy       string
	Timeout     time.Duration
	MaxBytes    int64
	MaxDuration time.Duration
}

// SourceProvider turns intro descriptors into decoded audio by running external processes.
type SourceProvider struct {
	cfg     SourceConfig
	prober  Prober
	extract func(ctx context.Context, url string) *exec.Cmd
}

func NewSourceProvider(cfg SourceConfig, prober Prober) *SourceProvider {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &SourceProvider{cfg: cfg, prober: prober}
	p.extract = p.ytdlpCommand
	return p
}

// Acquire decodes the clip within the call. Every failure wraps ErrSourceUnavailable.
func (p *SourceProvider) Acquire(ctx context.Context, intro sys.IntroDescriptor) (*AudioStream, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var data []byte
	var err error
	switch intro.Kind {
	case sys.SourceFile:
		data, err = p.decodeFile(ctx, intro)
	case sys.SourceRemote:
		data, err = p.decodeRemote(ctx, intro)
	default:
		err = fmt.Errorf("unknown source kind %q", intro.Kind)
	}
	if err == nil && len(data) == 0 {
		err = errors.New("decoder produced no audio")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, intro, err)
	}
	return NewAudioStream(intro, data), nil
}

func (p *SourceProvider) clipPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid clip name %q", name)
	}
	return filepath.Join(p.cfg.SoundDir, name), nil
}

func (p *SourceProvider) decodeFile(ctx context.Context, intro sys.IntroDescriptor) ([]byte, error) {
	path, err := p.clipPath(intro.Location)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	if p.prober != nil && p.cfg.MaxDuration > 0 {
		d, err := p.prober.Probe(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
		if d > p.cfg.MaxDuration {
			return nil, fmt.Errorf("clip is %s long, limit is %s", d.Round(time.Millisecond), p.cfg.MaxDuration)
		}
	}

	job := p.newDecoder(ctx, path, intro.Volume)
	if err := job.start(); err != nil {
		return nil, err
	}
	return job.wait()
}

func (p *SourceProvider) decodeRemote(ctx context.Context, intro sys.IntroDescriptor) ([]byte, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	extract := p.extract(ctx, intro.Location)
	extractErr := &tailBuffer{limit: 2048}
	extract.Stdout = w
	extract.Stderr = extractErr

	job := p.newDecoder(ctx, "pipe:0", intro.Volume)
	job.cmd.Stdin = r

	if err := extract.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start extractor: %w", err)
	}
	if err := job.start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		_ = extract.Process.Kill()
		_ = extract.Wait()
		return nil, err
	}
	// Both children hold their own copies; closing ours lets EOF and EPIPE propagate.
	_ = r.Close()
	_ = w.Close()

	data, decodeErr := job.wait()
	if decodeErr != nil {
		_ = extract.Process.Kill()
	}
	waitErr := extract.Wait()

	if decodeErr != nil {
		if waitErr != nil && extractErr.Len() > 0 {
			return nil, fmt.Errorf("%w (extractor: %s)", decodeErr, extractErr.String())
		}
		return nil, decodeErr
	}
	if waitErr != nil {
		// The decoder stops reading once the duration cap is hit, so the extractor may die of EPIPE.
		sys.LogDebug("Extractor exited after decode for %s: %v", intro, waitErr)
	}
	return data, nil
}

func (p *SourceProvider) ytdlpCommand(ctx context.Context, url string) *exec.Cmd {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if p.cfg.Proxy != "" {
		cmd.Proxy(p.cfg.Proxy)
	}

	return cmd.
		Format("bestaudio[ext=webm]/bestaudio/best").
		Output("-").
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		IgnoreConfig().
		BuildCommand(ctx, url)
}

func (p *SourceProvider) ffmpegArgs(input string, volume int) []string {
	if volume <= 0 {
		volume = 100
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	if input != "pipe:0" {
		args = append(args, "-nostdin")
	}
	args = append(args, "-i", input, "-vn", "-map", "0:a:0")
	if p.cfg.MaxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(p.cfg.MaxDuration.Seconds(), 'f', 3, 64))
	}
	args = append(args,
		"-af", fmt.Sprintf("volume=%.2f", float64(volume)/100),
		"-ac", "2",
		"-ar", "48000",
		"-c:a", "libopus",
		"-b:a", "96k",
		"-frame_duration", "20",
		"-application", "audio",
		"-f", "ogg",
		"pipe:1",
	)
	return args
}

type decodeJob struct {
	cmd    *exec.Cmd
	out    *cappedBuffer
	stderr *tailBuffer
}

func (p *SourceProvider) newDecoder(ctx context.Context, input string, volume int) *decodeJob {
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegPath, p.ffmpegArgs(input, volume)...)
	job := &decodeJob{
		cmd:    cmd,
		out:    &cappedBuffer{limit: p.cfg.MaxBytes},
		stderr: &tailBuffer{limit: 2048},
	}
	job.out.onOverflow = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	cmd.Stdout = job.out
	cmd.Stderr = job.stderr
	cmd.WaitDelay = 2 * time.Second
	return job
}

func (j *decodeJob) start() error {
	if err := j.cmd.Start(); err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}
	return nil
}

func (j *decodeJob) wait() ([]byte, error) {
	err := j.cmd.Wait()
	if j.out.Overflowed() {
		return nil, fmt.Errorf("decoded clip exceeds %d bytes", j.out.limit)
	}
	if err != nil {
		if msg := strings.TrimSpace(j.stderr.String()); msg != "" {
			return nil, fmt.Errorf("decoder: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return j.out.Bytes(), nil
}

// cappedBuffer collects process output up to limit bytes (0 means unlimited).
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflow   bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflow {
		return len(p), nil
	}
	if b.limit > 0 && int64(b.buf.Len()+len(p)) > b.limit {
		b.overflow = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// tailBuffer keeps the last limit bytes written, for error messages.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; t.limit > 0 && over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
