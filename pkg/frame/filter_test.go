package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type collector struct {
	user   bytes.Buffer
	frames []*Frame
}

func newCollector(f *Filter) *collector {
	c := &collector{}
	f.OnUserBytes = func(b []byte) { c.user.Write(b) }
	f.OnFrame = func(fr *Frame) { c.frames = append(c.frames, fr) }
	return c
}

func feed(f *Filter, data []byte) {
	for _, b := range data {
		f.PushByte(b)
	}
}

// S3: "Hello\r\n" followed by quiescence. No SOF present, so no timeout is
// even required to see the bytes — but we still exercise Timeout() since a
// real caller always drives it off its read deadline.
func TestFilter_S3UserBytesOnly(t *testing.T) {
	f := NewFilter()
	c := newCollector(f)

	feed(f, []byte("Hello\r\n"))
	f.Timeout()

	assert.Equal(t, "Hello\r\n", c.user.String())
	assert.Empty(t, c.frames)
}

// S4: "AB" + S1 heartbeat + "CD\n" interleaved; exactly one heartbeat and
// "ABCD\n" as user output.
func TestFilter_S4Interleaved(t *testing.T) {
	f := NewFilter()
	c := newCollector(f)

	hb, err := Build(Version, 0x00, 0x00, TypeHeartbeat, nil)
	require.NoError(t, err)

	feed(f, []byte("AB"))
	feed(f, hb)
	feed(f, []byte("CD\n"))
	f.Timeout()

	assert.Equal(t, "ABCD\n", c.user.String())
	require.Len(t, c.frames, 1)
	assert.Equal(t, byte(0x00), c.frames[0].Seq)
}

// S5: truncated frame (no EOF) followed by quiescence. Nothing is emitted.
func TestFilter_S5TruncatedFrame(t *testing.T) {
	f := NewFilter()
	c := newCollector(f)

	feed(f, []byte{0x01, 0x01, 0x01, 0x10, 0x01, 0x00, 0x00})
	f.Timeout()

	assert.Empty(t, c.user.Bytes())
	assert.Empty(t, c.frames)
	assert.Equal(t, Idle, f.State()) // Timeout() abandons the partial frame
}

// S6 at the filter level: corrupted CRC byte inside an otherwise complete
// frame. No user output, no decoded frame, one CrcMismatch counted.
func TestFilter_S6CrcErrorCounted(t *testing.T) {
	f := NewFilter()
	c := newCollector(f)

	wire, err := Build(Version, 0x00, 0x00, TypeHeartbeat, nil)
	require.NoError(t, err)
	corrupt := append([]byte(nil), wire...)
	corrupt[len(corrupt)-4] = 0x19 // low CRC byte, just before EOF^3

	feed(f, corrupt)

	assert.Empty(t, c.user.Bytes())
	assert.Empty(t, c.frames)
	assert.Equal(t, uint64(1), f.Stats.CrcMismatches)
}

// Invariant 1: any byte sequence with no SOF/EOF/DLE passes through
// unchanged.
func TestFilter_PlainBytesPassThroughUnchanged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOf(rapid.ByteMin(0x20).Filter(func(b byte) bool {
			return b != SOF && b != DLE && b != EOF
		})).Draw(t, "in")

		f := NewFilter()
		c := newCollector(f)
		feed(f, in)
		f.Timeout()

		assert.Equal(t, in, c.user.Bytes())
		assert.Empty(t, c.frames)
	})
}

// Invariant 3: arbitrary interleaving of valid frames among user bytes
// never perturbs the user stream and every frame is counted.
func TestFilter_InterleavedFramesPreserveUserStream(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nFrames := rapid.IntRange(0, 5).Draw(t, "nFrames")
		chunks := rapid.SliceOfN(rapid.SliceOf(rapid.ByteMin(0x20).Filter(func(b byte) bool {
			return b != SOF && b != DLE && b != EOF
		})), nFrames+1, nFrames+1).Draw(t, "chunks")

		f := NewFilter()
		c := newCollector(f)

		var want bytes.Buffer
		for i, chunk := range chunks {
			want.Write(chunk)
			feed(f, chunk)
			if i < nFrames {
				hb, err := Build(Version, byte(i), 0, TypeHeartbeat, nil)
				require.NoError(t, err)
				feed(f, hb)
			}
		}
		f.Timeout()

		assert.Equal(t, want.Bytes(), c.user.Bytes())
		assert.Len(t, c.frames, nFrames)
	})
}

// Invariant 4: no bytes from a corrupted/truncated frame interval ever
// reach the user stream.
func TestFilter_CorruptFrameNeverLeaksBytes(t *testing.T) {
	f := NewFilter()
	c := newCollector(f)

	// SOF, some arbitrary bytes that never reach an EOF, then a fresh SOF
	// that restarts the frame attempt (covers the "discard on stray SOF"
	// transition), then a clean EOF with nothing valid in between.
	feed(f, []byte{SOF, SOF, SOF})
	feed(f, []byte{0x42, 0x99, SOF})
	feed(f, []byte{0x01, 0x02, EOF})

	assert.Empty(t, c.user.Bytes())
	assert.Empty(t, c.frames)
}

// Overflow rule: 64 bytes of plain data with no SOF must still be flushed
// once the buffer fills, without waiting for Timeout.
func TestFilter_IdleOverflowFlushesWithoutTimeout(t *testing.T) {
	f := NewFilter()
	c := newCollector(f)

	data := bytes.Repeat([]byte{'x'}, bufferCap)
	feed(f, data)

	assert.Equal(t, data, c.user.Bytes())
}
