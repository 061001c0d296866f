package proc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

var (
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 200 * time.Millisecond
)

const opusFrameDuration = 20 * time.Millisecond

// OggPacketReader splits an Ogg/Opus stream into Opus packets.
type OggPacketReader struct {
	reader    *bufio.Reader
	header    []byte
	segBuf    []byte
	packetBuf bytes.Buffer
	queue     [][]byte
}

func NewOggPacketReader(r io.Reader) *OggPacketReader {
	return &OggPacketReader{
		reader: bufio.NewReaderSize(r, 16384),
		header: make([]byte, 27),
		segBuf: make([]byte, 255),
	}
}

// NextPacket returns the next audio packet, skipping OpusHead and OpusTags.
// It returns io.EOF once the stream is exhausted.
func (p *OggPacketReader) NextPacket() ([]byte, error) {
	if len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue = p.queue[1:]
		return frame, nil
	}

	for {
		sig, err := p.reader.Peek(4)
		if err != nil {
			return nil, eofOf(err)
		}
		if string(sig) != "OggS" {
			_, _ = p.reader.Discard(1)
			continue
		}
		if _, err := io.ReadFull(p.reader, p.header); err != nil {
			return nil, eofOf(err)
		}

		numSegs := int(p.header[26])
		segTable := p.segBuf[:numSegs]
		if _, err := io.ReadFull(p.reader, segTable); err != nil {
			return nil, eofOf(err)
		}

		for _, segLen := range segTable {
			l := int(segLen)
			if _, err := io.CopyN(&p.packetBuf, p.reader, int64(l)); err != nil {
				return nil, eofOf(err)
			}
			// A lacing value of 255 continues the packet into the next segment (or page).
			if l == 255 {
				continue
			}
			frame := bytes.Clone(p.packetBuf.Bytes())
			p.packetBuf.Reset()
			if len(frame) >= 8 && (string(frame[:8]) == "OpusHead" || string(frame[:8]) == "OpusTags") {
				continue
			}
			if len(frame) == 0 {
				continue
			}
			p.queue = append(p.queue, frame)
		}

		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue = p.queue[1:]
			return frame, nil
		}
	}
}

func eofOf(err error) error {
	if err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}

// ClipProvider feeds one clip to a voice connection, then a short tail of silence.
type ClipProvider struct {
	packets       *OggPacketReader
	ctx           context.Context
	OnFinish      func()
	once          sync.Once
	draining      bool
	silenceFrames int
	frameCount    int64
}

func NewClipProvider(ctx context.Context, r io.Reader) *ClipProvider {
	return &ClipProvider{
		packets: NewOggPacketReader(r),
		ctx:     ctx,
	}
}

func (p *ClipProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// Frames returns how many audio frames have been handed out so far.
func (p *ClipProvider) Frames() int64 {
	return p.frameCount
}

func (p *ClipProvider) ProvideOpusFrame() ([]byte, error) {
	if p.ctx.Err() != nil {
		p.Close()
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration / opusFrameDuration)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	frame, err := p.packets.NextPacket()
	if err != nil {
		p.draining = true
		return OpusSilence, nil
	}
	p.frameCount++
	return frame, nil
}
