package proc

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oggPage(packets ...[]byte) []byte {
	var segs, body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			segs = append(segs, 255)
			n -= 255
		}
		segs = append(segs, byte(n))
		body = append(body, p...)
	}
	header := make([]byte, 27)
	copy(header, "OggS")
	header[26] = byte(len(segs))
	return append(append(header, segs...), body...)
}

func oggClip(packets ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write(oggPage([]byte("OpusHead\x01\x02")))
	buf.Write(oggPage([]byte("OpusTags....")))
	for _, p := range packets {
		buf.Write(oggPage(p))
	}
	return buf.Bytes()
}

func TestOggPacketReaderSkipsHeaders(t *testing.T) {
	r := NewOggPacketReader(bytes.NewReader(oggClip([]byte{1, 2, 3}, []byte{4, 5})))

	p, err := r.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p)

	p, err = r.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, p)

	_, err = r.NextPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOggPacketReaderJoinsLacedSegments(t *testing.T) {
	big := bytes.Repeat([]byte{7}, 300)
	page := oggPage(big, []byte{9})
	r := NewOggPacketReader(bytes.NewReader(append([]byte("junk"), page...)))

	p, err := r.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, big, p)

	p, err = r.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, p)
}

func TestOggPacketReaderTruncatedPage(t *testing.T) {
	page := oggPage([]byte{1, 2, 3, 4})
	r := NewOggPacketReader(bytes.NewReader(page[:len(page)-2]))

	_, err := r.NextPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClipProviderDrainsWithSilence(t *testing.T) {
	finished := 0
	p := NewClipProvider(context.Background(), bytes.NewReader(oggClip([]byte{1}, []byte{2})))
	p.OnFinish = func() { finished++ }

	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, f)
	f, err = p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, f)

	tail := int(SilenceDuration / opusFrameDuration)
	for i := 0; i <= tail; i++ {
		f, err = p.ProvideOpusFrame()
		require.NoError(t, err)
		assert.Equal(t, OpusSilence, f)
	}

	_, err = p.ProvideOpusFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, finished)
	assert.EqualValues(t, 2, p.Frames())

	p.Close()
	assert.Equal(t, 1, finished)
}

func TestClipProviderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	finished := false
	p := NewClipProvider(ctx, bytes.NewReader(oggClip([]byte{1})))
	p.OnFinish = func() { finished = true }

	cancel()
	_, err := p.ProvideOpusFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, finished)
}
