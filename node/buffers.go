package node

const bufferChunk = 4096

// inputBuffer accumulates bytes read from a stream transport until complete
// messages can be decoded. It is only touched by the owning driver loop.
type inputBuffer struct {
	buf        []byte
	start, end int
}

// bytes returns the unconsumed data.
func (b *inputBuffer) bytes() []byte {
	return b.buf[b.start:b.end]
}

func (b *inputBuffer) len() int {
	return b.end - b.start
}

// append adds data, compacting first and growing geometrically only when
// the buffered partial message does not fit.
func (b *inputBuffer) append(data []byte) {
	if b.end+len(data) > len(b.buf) {
		n := b.len()
		if n+len(data) <= len(b.buf) {
			copy(b.buf, b.buf[b.start:b.end])
		} else {
			grown := make([]byte, roundChunk(max(2*len(b.buf), n+len(data))))
			copy(grown, b.buf[b.start:b.end])
			b.buf = grown
		}
		b.start, b.end = 0, n
	}
	b.end += copy(b.buf[b.end:], data)
}

// consume drops n bytes from the front.
func (b *inputBuffer) consume(n int) {
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
}

func roundChunk(n int) int {
	return (n + bufferChunk - 1) / bufferChunk * bufferChunk
}

// outputBuffer queues encoded messages until the connection writer takes
// them. Guarded by Node.mu.
type outputBuffer struct {
	queue [][]byte
	size  int
}

func (o *outputBuffer) push(b []byte) {
	o.queue = append(o.queue, b)
	o.size += len(b)
}

func (o *outputBuffer) take() [][]byte {
	q := o.queue
	o.queue, o.size = nil, 0
	return q
}

func (o *outputBuffer) reset() {
	o.queue, o.size = nil, 0
}
