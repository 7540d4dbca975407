package audio

// Framer re-chunks an arbitrary byte stream into fixed-size frames. Synthesis
// backends deliver audio in whatever chunk sizes their wire protocol uses; the
// outbound path needs uniform frames so that pacing and purge work per frame.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer producing frames of size bytes. size must be > 0.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("audio: framer size must be positive")
	}
	return &Framer{size: size, buf: make([]byte, 0, size*2)}
}

// Write appends p and returns every complete frame now available. Returned
// frames are freshly allocated and owned by the caller.
func (f *Framer) Write(p []byte) [][]byte {
	f.buf = append(f.buf, p...)
	var out [][]byte
	off := 0
	for len(f.buf)-off >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[off:off+f.size])
		out = append(out, frame)
		off += f.size
	}
	n := copy(f.buf, f.buf[off:])
	f.buf = f.buf[:n]
	return out
}

// Flush returns the buffered remainder padded with zero bytes to a full frame,
// or nil if nothing is buffered.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	return frame
}

// Pending reports how many bytes are buffered.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset discards buffered bytes.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
