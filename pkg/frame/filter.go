package frame

// bufferCap is the maximum number of body bytes FrameFilter accumulates
// before it gives up on the frame (or user run) in progress. It bounds the
// outer-delimited frame size (SOF^3 ... EOF^3, stuffed) per spec.md §3.
const bufferCap = 64

// State is a FrameFilter's position relative to a heartbeat frame.
type State int

const (
	// Idle means bytes are being accumulated as plain user data; no SOF
	// has been seen since the last flush.
	Idle State = iota
	// InFrame means an opening SOF has been seen and bytes are being
	// accumulated as a candidate frame body, awaiting EOF.
	InFrame
	// closingFrame means a frame body was just decoded (or abandoned) on
	// the first EOF of the wire's EOF^3 trailer. The remaining trailer
	// bytes are swallowed here so they never leak into the user stream;
	// reported externally as Idle since no frame is in progress.
	closingFrame
)

// Filter is the streaming byte-stuffed heartbeat frame filter described in
// spec.md §4.1. It consumes one received byte at a time and, synchronously
// within the call that triggers it, invokes OnUserBytes for runs of
// non-frame data and OnFrame for successfully decoded frames. Decode
// failures are silently dropped (counted in Stats) — the bytes that made up
// a malformed frame are never replayed into the user stream.
//
// Filter holds no locks and is not safe for concurrent use: spec.md §5
// requires it be driven by exactly one goroutine per link so that bytes
// reach the PTY in strict read order.
type Filter struct {
	state  State
	buffer []byte

	// OnUserBytes is called with a non-empty run of bytes that are not
	// part of any frame. The slice is only valid for the duration of the
	// call; callers that need to retain it must copy it.
	OnUserBytes func([]byte)

	// OnFrame is called after a successfully decoded frame, whatever its
	// Type; the callee decides whether it is a heartbeat.
	OnFrame func(*Frame)

	Stats Stats
}

// Stats counts frame-layer outcomes for diagnostics. None of these are
// fatal: spec.md §7 requires the RX pipeline recover locally from every one
// of them.
type Stats struct {
	FramesDecoded  uint64
	CrcMismatches  uint64
	Malformed      uint64
	Truncated      uint64
	DanglingEscape uint64
	Overflows      uint64
}

// NewFilter constructs a Filter in the Idle state with an empty buffer.
func NewFilter() *Filter {
	return &Filter{buffer: make([]byte, 0, bufferCap)}
}

// flushUser emits the current buffer as user bytes, if non-empty, and
// clears it.
func (f *Filter) flushUser() {
	if len(f.buffer) == 0 {
		return
	}
	if f.OnUserBytes != nil {
		f.OnUserBytes(f.buffer)
	}
	f.buffer = f.buffer[:0]
}

// discard clears the buffer without emitting it (used when a frame in
// progress is abandoned: it must never reach the user stream).
func (f *Filter) discard() {
	f.buffer = f.buffer[:0]
}

// PushByte feeds one received byte through the filter, per the transition
// table in spec.md §4.1.
func (f *Filter) PushByte(b byte) {
	switch f.state {
	case Idle:
		f.pushIdleByte(b)

	case InFrame:
		// A byte that follows an unpaired DLE in the body is stuffed data,
		// never a delimiter: count the DLE run at the end of the buffer.
		escaped := false
		for i := len(f.buffer) - 1; i >= 0 && f.buffer[i] == DLE; i-- {
			escaped = !escaped
		}
		switch {
		case !escaped && b == SOF:
			// The previous frame attempt was truncated by a fresh SOF;
			// start over without emitting anything.
			f.discard()
		case !escaped && b == EOF:
			f.decodeAndReset()
			f.state = closingFrame
		default:
			f.buffer = append(f.buffer, b)
			if len(f.buffer) >= bufferCap {
				f.Stats.Overflows++
				f.discard()
				f.state = Idle
			}
		}

	case closingFrame:
		// The wire emits EOF^3; the first one triggered decodeAndReset
		// above. Swallow however many trailing EOF bytes actually show up
		// (exactly 2 on a clean link, fewer if the peer dropped bytes,
		// conceivably more if two frames' terminators coalesce) rather
		// than assuming an exact count, so a short trailer can never leak
		// into the user stream. The first non-EOF byte ends the trailer
		// and is handled as ordinary Idle input.
		if b == EOF {
			return
		}
		f.state = Idle
		f.pushIdleByte(b)
	}
}

// pushIdleByte applies the Idle-state transition to b: SOF opens a frame
// (flushing any accumulated user bytes first), anything else accumulates as
// user data subject to the overflow rule.
func (f *Filter) pushIdleByte(b byte) {
	if b == SOF {
		f.flushUser()
		f.state = InFrame
		return
	}
	f.buffer = append(f.buffer, b)
	if len(f.buffer) >= bufferCap {
		f.Stats.Overflows++
		f.flushUser()
	}
}

// decodeAndReset attempts to decode the accumulated buffer as a frame body,
// updates Stats and calls OnFrame on success, then always discards the
// buffer and returns to Idle.
func (f *Filter) decodeAndReset() {
	fr, err := Decode(f.buffer)
	switch {
	case err == nil:
		f.Stats.FramesDecoded++
		if f.OnFrame != nil {
			f.OnFrame(fr)
		}
	case err == ErrCrcMismatch:
		f.Stats.CrcMismatches++
	case err == ErrMalformedFrame:
		f.Stats.Malformed++
	case err == ErrTruncatedFrame:
		f.Stats.Truncated++
	case err == ErrDanglingEscape:
		f.Stats.DanglingEscape++
	}
	f.discard()
	f.state = Idle
}

// Timeout implements the 0.5 s "user-data quiescence flush" rule: the
// caller invokes it when a read/poll deadline elapses with no new byte
// having arrived. In Idle, any accumulated user bytes are flushed. In
// InFrame, the partial frame is abandoned and the state returns to Idle.
func (f *Filter) Timeout() {
	switch f.state {
	case Idle, closingFrame:
		f.flushUser()
		f.state = Idle
	case InFrame:
		f.discard()
		f.state = Idle
	}
}

// State reports the filter's current position, chiefly for tests.
// closingFrame is reported as Idle: no frame is in progress, only the
// tail of the previous one's EOF^3 trailer is still being swallowed.
func (f *Filter) State() State {
	if f.state == closingFrame {
		return Idle
	}
	return f.state
}
