// Package media inspects local clips with libav before they are handed to the decoder.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
)

var ErrNoAudio = errors.New("no audio stream")

var logOnce sync.Once

// Prober reads container metadata from local files.
type Prober struct{}

func NewProber() *Prober {
	logOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelFatal)
	})
	return &Prober{}
}

// Probe returns the clip's duration. It fails when the file has no audio stream
// or libav cannot open it.
func (p *Prober) Probe(ctx context.Context, path string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return 0, errors.New("failed to alloc format context")
	}
	defer fc.Free()

	if err := fc.OpenInput(path, nil, nil); err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}

	var audio *astiav.Stream
	for _, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			audio = s
			break
		}
	}
	if audio == nil {
		return 0, ErrNoAudio
	}

	if d := fc.Duration(); d > 0 {
		return time.Duration(d) * time.Microsecond, nil
	}
	// Some containers only carry a per-stream duration.
	tb := audio.TimeBase()
	if audio.Duration() > 0 && tb.Den() != 0 {
		secs := float64(audio.Duration()) * float64(tb.Num()) / float64(tb.Den())
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, nil
}
